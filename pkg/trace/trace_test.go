package trace

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence/memory"
)

func intPtr(v int) *int { return &v }

func TestSessionBracketsRun(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.ExecutionRepository()

	session := NewSession(repo, slog.Default())
	executionCtx := models.NewExecutionContext("exec-1", "wf-1", models.ExecutionModeChat)
	session.Start(context.Background(), executionCtx)

	result := &models.ExecutionResult{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Output:      map[string]any{"agent": map[string]any{"content": "done"}},
		Logs: []models.BlockLog{
			{BlockID: "agent", Status: models.BlockStatusCompleted},
		},
	}
	session.Complete(context.Background(), result)

	record, err := repo.GetByID(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Len(t, record.Logs, 1)
	assert.Contains(t, record.Output, "agent")
	assert.False(t, record.Metadata.EndedAt.IsZero())
}

func TestSessionCompleteWithErrorKeepsPartialLogs(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.ExecutionRepository()

	session := NewSession(repo, slog.Default())
	session.Start(context.Background(), models.NewExecutionContext("exec-2", "wf-1", models.ExecutionModeManual))

	result := &models.ExecutionResult{
		ExecutionID: "exec-2",
		Logs: []models.BlockLog{
			{BlockID: "first", Status: models.BlockStatusCompleted},
			{BlockID: "boom", Status: models.BlockStatusFailed, Error: "upstream timeout"},
		},
	}
	session.CompleteWithError(context.Background(), result, context.DeadlineExceeded)

	record, err := repo.GetByID(context.Background(), "exec-2")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.Equal(t, context.DeadlineExceeded.Error(), record.Error)
	assert.Len(t, record.Logs, 2)
}

func TestSessionCompletesAfterCancellation(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.ExecutionRepository()

	session := NewSession(repo, slog.Default())
	session.Start(context.Background(), models.NewExecutionContext("exec-3", "wf-1", models.ExecutionModeChat))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session.CompleteWithError(ctx, &models.ExecutionResult{ExecutionID: "exec-3"}, ctx.Err())

	record, err := repo.GetByID(context.Background(), "exec-3")
	require.NoError(t, err)
	assert.False(t, record.Success)
	assert.False(t, record.Metadata.EndedAt.IsZero())
}

func TestSessionNeverPropagatesPersistenceFailure(t *testing.T) {
	// Completing a session that was never started against the store must
	// log and return, not panic or error out.
	store := memory.NewPersistence()

	session := NewSession(store.ExecutionRepository(), slog.Default())
	session.executionID = "ghost"
	session.Complete(context.Background(), &models.ExecutionResult{
		ExecutionID: "ghost",
		Output:      map[string]any{"k": "v"},
		Logs:        []models.BlockLog{{BlockID: "a"}},
	})
}

func TestBuildTraceSpansNestsContainerMembers(t *testing.T) {
	base := time.Now().UTC()

	logs := []models.BlockLog{
		{BlockID: "starter", BlockType: "starter", Status: models.BlockStatusCompleted, StartedAt: base},
		{BlockID: "member", BlockType: "agent", Status: models.BlockStatusCompleted, ParentBlockID: "repeat", Iteration: intPtr(0)},
		{BlockID: "member", BlockType: "agent", Status: models.BlockStatusCompleted, ParentBlockID: "repeat", Iteration: intPtr(1)},
		{BlockID: "repeat", BlockType: models.BlockTypeLoop, Status: models.BlockStatusCompleted},
	}

	roots := BuildTraceSpans(logs)
	require.Len(t, roots, 2)
	assert.Equal(t, "starter", roots[0].BlockID)

	loopSpan := roots[1]
	assert.Equal(t, "repeat", loopSpan.BlockID)
	require.Len(t, loopSpan.Children, 2)
	assert.Equal(t, 0, *loopSpan.Children[0].Iteration)
	assert.Equal(t, 1, *loopSpan.Children[1].Iteration)
}

func TestBuildTraceSpansOrphanedMemberSurfacesAsRoot(t *testing.T) {
	logs := []models.BlockLog{
		{BlockID: "member", ParentBlockID: "gone", Iteration: intPtr(0), Status: models.BlockStatusFailed},
	}

	roots := BuildTraceSpans(logs)
	require.Len(t, roots, 1)
	assert.Equal(t, "member", roots[0].BlockID)
}
