// Package memory provides an in-memory persistence implementation used by
// tests and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

// Persistence implements persistence.Persistence entirely in process memory.
type Persistence struct {
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows: &WorkflowRepository{
			workflows: make(map[string]*models.Workflow),
		},
		executions: &ExecutionRepository{
			records: make(map[string]*models.ExecutionResult),
		},
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// WorkflowRepository stores workflows keyed by id.
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

func (r *WorkflowRepository) Workflows(_ context.Context) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Workflow, 0, len(r.workflows))
	for _, workflow := range r.workflows {
		result = append(result, workflow)
	}

	return result, nil
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workflows[workflow.ID] = workflow

	return nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workflow, ok := r.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return workflow, nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[id]; !ok {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	delete(r.workflows, id)

	return nil
}

// ExecutionRepository stores execution records keyed by execution id.
type ExecutionRepository struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionResult
}

func (r *ExecutionRepository) Create(_ context.Context, record *models.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.ExecutionID]; ok {
		return persistence.NewExecutionError("Create", record.ExecutionID, persistence.ErrExecutionAlreadyExists)
	}

	copied := *record
	r.records[record.ExecutionID] = &copied

	return nil
}

func (r *ExecutionRepository) AppendLogs(_ context.Context, executionID string, logs []models.BlockLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[executionID]
	if !ok {
		return persistence.NewExecutionError("AppendLogs", executionID, persistence.ErrExecutionNotFound)
	}

	record.Logs = append(record.Logs, logs...)

	return nil
}

func (r *ExecutionRepository) PatchFinalOutput(_ context.Context, executionID string, output map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[executionID]
	if !ok {
		return persistence.NewExecutionError("PatchFinalOutput", executionID, persistence.ErrExecutionNotFound)
	}

	if record.Output == nil {
		record.Output = make(map[string]any, len(output))
	}

	for k, v := range output {
		record.Output[k] = v
	}

	return nil
}

func (r *ExecutionRepository) Finalize(_ context.Context, executionID string, success bool, errMsg string, metadata models.ExecutionMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[executionID]
	if !ok {
		return persistence.NewExecutionError("Finalize", executionID, persistence.ErrExecutionNotFound)
	}

	record.Success = success
	record.Error = errMsg
	record.Metadata = metadata

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, executionID string) (*models.ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[executionID]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", executionID, persistence.ErrExecutionNotFound)
	}

	copied := *record

	return &copied, nil
}

func (r *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.ExecutionResult, 0)

	for _, record := range r.records {
		if record.WorkflowID == workflowID {
			copied := *record
			result = append(result, &copied)
		}
	}

	return result, nil
}
