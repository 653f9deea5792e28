package schedule

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence/memory"
)

type fakeRunner struct {
	requests []engine.RunRequest
}

func (r *fakeRunner) Run(_ context.Context, req engine.RunRequest) (*models.ExecutionResult, error) {
	r.requests = append(r.requests, req)

	return &models.ExecutionResult{ExecutionID: "exec-1", Success: true}, nil
}

func scheduledWorkflow(id, cronExpr string, status models.WorkflowStatus) *models.Workflow {
	return &models.Workflow{
		ID:     id,
		Name:   "nightly sync",
		Status: status,
		Blocks: []*models.Block{
			{ID: "sched", Type: models.BlockTypeTriggerSchedule, Config: map[string]any{"cron": cronExpr}},
			{ID: "work", Type: models.BlockTypeAPI, Config: map[string]any{"url": "https://example.com"}},
		},
	}
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("*/5 * * * *"))
	assert.Error(t, ValidateSpec("every five minutes"))
	assert.Error(t, ValidateSpec(""))
}

func TestCollectJobsFiltersWorkflows(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.WorkflowRepository()

	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, scheduledWorkflow("wf-ok", "0 * * * *", models.WorkflowStatusPublished)))
	require.NoError(t, repo.Save(ctx, scheduledWorkflow("wf-draft", "0 * * * *", models.WorkflowStatusDraft)))
	require.NoError(t, repo.Save(ctx, scheduledWorkflow("wf-bad-cron", "not a cron", models.WorkflowStatusPublished)))

	scheduler := NewScheduler(repo, &fakeRunner{}, slog.Default())

	jobs, err := scheduler.collectJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "wf-ok", jobs[0].workflowID)
	assert.Equal(t, "sched", jobs[0].blockID)
}

func TestFireLaunchesScheduledRun(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.WorkflowRepository()

	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, scheduledWorkflow("wf-1", "0 * * * *", models.WorkflowStatusPublished)))

	runner := &fakeRunner{}
	scheduler := NewScheduler(repo, runner, slog.Default())
	scheduler.ctx = ctx

	scheduler.fire(job{workflowID: "wf-1", blockID: "sched", cronExpr: "0 * * * *"})

	require.Len(t, runner.requests, 1)
	assert.Equal(t, models.ExecutionModeSchedule, runner.requests[0].Mode)
	assert.Equal(t, "wf-1", runner.requests[0].Workflow.ID)
	assert.Equal(t, "0 * * * *", runner.requests[0].TriggerData["cron"])
}

func TestFireSkipsUnpublishedWorkflow(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.WorkflowRepository()

	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, scheduledWorkflow("wf-1", "0 * * * *", models.WorkflowStatusDraft)))

	runner := &fakeRunner{}
	scheduler := NewScheduler(repo, runner, slog.Default())
	scheduler.ctx = ctx

	scheduler.fire(job{workflowID: "wf-1", blockID: "sched", cronExpr: "0 * * * *"})
	assert.Empty(t, runner.requests)
}

func TestStartAndStop(t *testing.T) {
	store := memory.NewPersistence()
	repo := store.WorkflowRepository()
	require.NoError(t, repo.Save(context.Background(), scheduledWorkflow("wf-1", "0 0 * * *", models.WorkflowStatusPublished)))

	scheduler := NewScheduler(repo, &fakeRunner{}, slog.Default())
	require.NoError(t, scheduler.Start(context.Background()))
	assert.Len(t, scheduler.cron.Entries(), 1)
	require.NoError(t, scheduler.Stop(context.Background()))
}
