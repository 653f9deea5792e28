// Package file provides file-based persistence backed by one JSON document
// per workflow and per execution record.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root       string
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence creates a file store rooted at the given directory. A
// "file://" prefix on root is accepted and stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:       cleanRoot,
		workflows:  &WorkflowRepository{dir: filepath.Join(cleanRoot, "workflows")},
		executions: &ExecutionRepository{dir: filepath.Join(cleanRoot, "executions")},
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// WorkflowRepository stores one JSON file per workflow.
type WorkflowRepository struct {
	mu  sync.Mutex
	dir string
}

func (r *WorkflowRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *WorkflowRepository) Workflows(_ context.Context) ([]*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return []*models.Workflow{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		workflow, err := readJSON[models.Workflow](filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeJSON(r.dir, r.path(workflow.ID), workflow); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workflow, err := readJSON[models.Workflow](r.path(id))
	if os.IsNotExist(err) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

// ExecutionRepository stores one JSON file per execution record. Appends and
// patches are read-modify-write under a single mutex.
type ExecutionRepository struct {
	mu  sync.Mutex
	dir string
}

func (r *ExecutionRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *ExecutionRepository) Create(_ context.Context, record *models.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(record.ExecutionID)); err == nil {
		return persistence.NewExecutionError("Create", record.ExecutionID, persistence.ErrExecutionAlreadyExists)
	}

	if err := writeJSON(r.dir, r.path(record.ExecutionID), record); err != nil {
		return persistence.NewExecutionError("Create", record.ExecutionID, err)
	}

	return nil
}

func (r *ExecutionRepository) AppendLogs(_ context.Context, executionID string, logs []models.BlockLog) error {
	return r.update("AppendLogs", executionID, func(record *models.ExecutionResult) {
		record.Logs = append(record.Logs, logs...)
	})
}

func (r *ExecutionRepository) PatchFinalOutput(_ context.Context, executionID string, output map[string]any) error {
	return r.update("PatchFinalOutput", executionID, func(record *models.ExecutionResult) {
		if record.Output == nil {
			record.Output = make(map[string]any, len(output))
		}

		for k, v := range output {
			record.Output[k] = v
		}
	})
}

func (r *ExecutionRepository) Finalize(_ context.Context, executionID string, success bool, errMsg string, metadata models.ExecutionMetadata) error {
	return r.update("Finalize", executionID, func(record *models.ExecutionResult) {
		record.Success = success
		record.Error = errMsg
		record.Metadata = metadata
	})
}

func (r *ExecutionRepository) GetByID(_ context.Context, executionID string) (*models.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := readJSON[models.ExecutionResult](r.path(executionID))
	if os.IsNotExist(err) {
		return nil, persistence.NewExecutionError("GetByID", executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", executionID, err)
	}

	return record, nil
}

func (r *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return []*models.ExecutionResult{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read executions directory: %w", err)
	}

	records := make([]*models.ExecutionResult, 0)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		record, err := readJSON[models.ExecutionResult](filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		if record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}

	return records, nil
}

func (r *ExecutionRepository) update(op, executionID string, mutate func(*models.ExecutionResult)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := readJSON[models.ExecutionResult](r.path(executionID))
	if os.IsNotExist(err) {
		return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return persistence.NewExecutionError(op, executionID, err)
	}

	mutate(record)

	if err := writeJSON(r.dir, r.path(executionID), record); err != nil {
		return persistence.NewExecutionError(op, executionID, err)
	}

	return nil
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return &value, nil
}

func writeJSON(dir, path string, value any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
