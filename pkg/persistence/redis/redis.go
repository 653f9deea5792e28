// Package redis provides Redis-backed persistence. Execution records split
// across three keys so log appends, the final-output patch and finalization
// never overwrite each other's fields.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

const (
	workflowKeyPrefix  = "loom:workflows:"
	workflowIndexKey   = "loom:workflows"
	executionKeyPrefix = "loom:executions:"
)

// Persistence implements persistence.Persistence on a Redis client.
type Persistence struct {
	client     *goredis.Client
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence connects to the Redis instance at the given URL
// ("redis://host:port/db").
func NewPersistence(url string) (*Persistence, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	return &Persistence{
		client:     client,
		workflows:  &WorkflowRepository{client: client},
		executions: &ExecutionRepository{client: client},
	}, nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

// WorkflowRepository stores workflow JSON under loom:workflows:<id> and keeps
// the id set in loom:workflows.
type WorkflowRepository struct {
	client *goredis.Client
}

func (r *WorkflowRepository) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := r.client.SMembers(ctx, workflowIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow ids: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				continue
			}

			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+workflow.ID, data, 0)
	pipe.SAdd(ctx, workflowIndexKey, workflow.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	data, err := r.client.Get(ctx, workflowKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &workflow, nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, workflowKeyPrefix+id).Result()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if deleted == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	if err := r.client.SRem(ctx, workflowIndexKey, id).Err(); err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

// ExecutionRepository stores the record header at loom:executions:<id>, block
// logs as a Redis list at <id>:logs and the final output at <id>:final.
type ExecutionRepository struct {
	client *goredis.Client
}

func recordKey(id string) string { return executionKeyPrefix + id }
func logsKey(id string) string   { return executionKeyPrefix + id + ":logs" }
func finalKey(id string) string  { return executionKeyPrefix + id + ":final" }
func indexKey(workflowID string) string {
	return "loom:workflows:" + workflowID + ":executions"
}

func (r *ExecutionRepository) Create(ctx context.Context, record *models.ExecutionResult) error {
	header := *record
	header.Logs = nil
	header.Output = nil

	data, err := json.Marshal(&header)
	if err != nil {
		return persistence.NewExecutionError("Create", record.ExecutionID, err)
	}

	created, err := r.client.SetNX(ctx, recordKey(record.ExecutionID), data, 0).Result()
	if err != nil {
		return persistence.NewExecutionError("Create", record.ExecutionID, err)
	}

	if !created {
		return persistence.NewExecutionError("Create", record.ExecutionID, persistence.ErrExecutionAlreadyExists)
	}

	if err := r.client.RPush(ctx, indexKey(record.WorkflowID), record.ExecutionID).Err(); err != nil {
		return persistence.NewExecutionError("Create", record.ExecutionID, err)
	}

	return nil
}

func (r *ExecutionRepository) AppendLogs(ctx context.Context, executionID string, logs []models.BlockLog) error {
	if len(logs) == 0 {
		return nil
	}

	if err := r.ensureExists(ctx, "AppendLogs", executionID); err != nil {
		return err
	}

	entries := make([]any, 0, len(logs))

	for _, entry := range logs {
		data, err := json.Marshal(entry)
		if err != nil {
			return persistence.NewExecutionError("AppendLogs", executionID, err)
		}

		entries = append(entries, data)
	}

	if err := r.client.RPush(ctx, logsKey(executionID), entries...).Err(); err != nil {
		return persistence.NewExecutionError("AppendLogs", executionID, err)
	}

	return nil
}

func (r *ExecutionRepository) PatchFinalOutput(ctx context.Context, executionID string, output map[string]any) error {
	if err := r.ensureExists(ctx, "PatchFinalOutput", executionID); err != nil {
		return err
	}

	// One hash field per output key gives last-writer-wins per field with no
	// read-modify-write cycle.
	fields := make([]any, 0, len(output)*2)

	for k, v := range output {
		data, err := json.Marshal(v)
		if err != nil {
			return persistence.NewExecutionError("PatchFinalOutput", executionID, err)
		}

		fields = append(fields, k, data)
	}

	if len(fields) == 0 {
		return nil
	}

	if err := r.client.HSet(ctx, finalKey(executionID), fields...).Err(); err != nil {
		return persistence.NewExecutionError("PatchFinalOutput", executionID, err)
	}

	return nil
}

func (r *ExecutionRepository) Finalize(ctx context.Context, executionID string, success bool, errMsg string, metadata models.ExecutionMetadata) error {
	header, err := r.header(ctx, "Finalize", executionID)
	if err != nil {
		return err
	}

	header.Success = success
	header.Error = errMsg
	header.Metadata = metadata

	data, err := json.Marshal(header)
	if err != nil {
		return persistence.NewExecutionError("Finalize", executionID, err)
	}

	if err := r.client.Set(ctx, recordKey(executionID), data, 0).Err(); err != nil {
		return persistence.NewExecutionError("Finalize", executionID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, executionID string) (*models.ExecutionResult, error) {
	record, err := r.header(ctx, "GetByID", executionID)
	if err != nil {
		return nil, err
	}

	rawLogs, err := r.client.LRange(ctx, logsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", executionID, err)
	}

	record.Logs = make([]models.BlockLog, 0, len(rawLogs))

	for _, raw := range rawLogs {
		var entry models.BlockLog
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, persistence.NewExecutionError("GetByID", executionID, err)
		}

		record.Logs = append(record.Logs, entry)
	}

	rawFinal, err := r.client.HGetAll(ctx, finalKey(executionID)).Result()
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", executionID, err)
	}

	if len(rawFinal) > 0 {
		record.Output = make(map[string]any, len(rawFinal))

		for field, raw := range rawFinal {
			var value any
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				return nil, persistence.NewExecutionError("GetByID", executionID, err)
			}

			record.Output[field] = value
		}
	}

	return record, nil
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.ExecutionResult, error) {
	ids, err := r.client.LRange(ctx, indexKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for workflow %s: %w", workflowID, err)
	}

	records := make([]*models.ExecutionResult, 0, len(ids))

	for _, id := range ids {
		record, err := r.GetByID(ctx, strings.TrimSpace(id))
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (r *ExecutionRepository) header(ctx context.Context, op, executionID string) (*models.ExecutionResult, error) {
	data, err := r.client.Get(ctx, recordKey(executionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewExecutionError(op, executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError(op, executionID, err)
	}

	var record models.ExecutionResult
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, persistence.NewExecutionError(op, executionID, err)
	}

	return &record, nil
}

func (r *ExecutionRepository) ensureExists(ctx context.Context, op, executionID string) error {
	exists, err := r.client.Exists(ctx, recordKey(executionID)).Result()
	if err != nil {
		return persistence.NewExecutionError(op, executionID, err)
	}

	if exists == 0 {
		return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionNotFound)
	}

	return nil
}
