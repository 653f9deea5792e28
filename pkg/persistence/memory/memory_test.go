package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

func TestWorkflowRepository(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()
	repo := store.WorkflowRepository()

	_, err := repo.GetByID(ctx, "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsWorkflowNotFound(err))

	workflow := &models.Workflow{ID: "wf-1", Name: "demo workflow"}
	require.NoError(t, repo.Save(ctx, workflow))

	loaded, err := repo.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "demo workflow", loaded.Name)

	all, err := repo.Workflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, "wf-1"))
	assert.True(t, persistence.IsWorkflowNotFound(repo.Delete(ctx, "wf-1")))
}

func TestExecutionRepository(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()
	repo := store.ExecutionRepository()

	record := &models.ExecutionResult{ExecutionID: "exec-1", WorkflowID: "wf-1"}
	require.NoError(t, repo.Create(ctx, record))

	err := repo.Create(ctx, record)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)

	require.NoError(t, repo.AppendLogs(ctx, "exec-1", []models.BlockLog{
		{BlockID: "b1", Status: models.BlockStatusCompleted},
	}))
	require.NoError(t, repo.AppendLogs(ctx, "exec-1", []models.BlockLog{
		{BlockID: "b2", Status: models.BlockStatusFailed},
	}))

	require.NoError(t, repo.PatchFinalOutput(ctx, "exec-1", map[string]any{"content": "done"}))
	require.NoError(t, repo.Finalize(ctx, "exec-1", true, "", models.ExecutionMetadata{DurationMs: 42}))

	loaded, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, loaded.Success)
	assert.Equal(t, int64(42), loaded.Metadata.DurationMs)
	assert.Equal(t, "done", loaded.Output["content"])
	require.Len(t, loaded.Logs, 2)
	assert.Equal(t, "b1", loaded.Logs[0].BlockID)

	byWorkflow, err := repo.ListByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 1)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestPatchFinalOutputMergesFields(t *testing.T) {
	ctx := context.Background()
	store := NewPersistence()
	repo := store.ExecutionRepository()

	require.NoError(t, repo.Create(ctx, &models.ExecutionResult{ExecutionID: "exec-1"}))

	// The session writes block outputs, the reconciler writes the content
	// field; both must survive.
	require.NoError(t, repo.PatchFinalOutput(ctx, "exec-1", map[string]any{
		"agent": map[string]any{"content": "raw"},
	}))
	require.NoError(t, repo.PatchFinalOutput(ctx, "exec-1", map[string]any{"content": "final text"}))

	loaded, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "final text", loaded.Output["content"])
	assert.Contains(t, loaded.Output, "agent")
}
