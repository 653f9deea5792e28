// Package persistence provides data storage abstraction for workflows and
// execution records.
package persistence

import (
	"context"

	"github.com/loomlabs/loom/pkg/models"
)

// Persistence is the storage entry point shared by the API, the executor and
// the logging session.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// WorkflowRepository stores authoring-time workflows.
type WorkflowRepository interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository stores run records. Log appends and the final-output
// patch own disjoint fields of the record, so interleaved writers cannot
// clobber each other.
type ExecutionRepository interface {
	Create(ctx context.Context, record *models.ExecutionResult) error
	AppendLogs(ctx context.Context, executionID string, logs []models.BlockLog) error

	// PatchFinalOutput merges the given fields into the record's output.
	// Last writer wins per field; untouched fields survive. The recording
	// session and the stream reconciler patch different fields of the same
	// record.
	PatchFinalOutput(ctx context.Context, executionID string, output map[string]any) error
	Finalize(ctx context.Context, executionID string, success bool, errMsg string, metadata models.ExecutionMetadata) error
	GetByID(ctx context.Context, executionID string) (*models.ExecutionResult, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.ExecutionResult, error)
}
