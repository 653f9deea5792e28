// Package schedule runs published workflows on cron expressions declared by
// their schedule trigger blocks.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

// Runner launches workflow executions. Satisfied by engine.Engine.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) (*models.ExecutionResult, error)
}

// Scheduler watches published workflows for schedule trigger blocks and fires
// runs on their cron expressions.
type Scheduler struct {
	workflows persistence.WorkflowRepository
	runner    Runner
	logger    *slog.Logger
	cron      *cron.Cron
	jobs      map[string]cron.EntryID
	mutex     sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

// job is one schedule trigger block of one workflow.
type job struct {
	workflowID string
	blockID    string
	cronExpr   string
}

// NewScheduler creates a scheduler over the workflow store.
func NewScheduler(workflows persistence.WorkflowRepository, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		workflows: workflows,
		runner:    runner,
		logger:    logger.With("module", "scheduler"),
		jobs:      make(map[string]cron.EntryID),
	}
}

// ValidateSpec checks a cron expression against the standard 5-field format.
func ValidateSpec(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return nil
}

// Start loads published workflows and registers a cron entry per schedule
// trigger block, then starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs, err := s.collectJobs(ctx)
	if err != nil {
		return err
	}

	for _, entry := range jobs {
		if err := s.register(entry); err != nil {
			s.logger.ErrorContext(ctx, "Failed to register schedule",
				"workflow_id", entry.workflowID, "block_id", entry.blockID, "error", err)

			return err
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Scheduler started", "jobs_count", len(jobs))

	return nil
}

// Stop halts the scheduler, letting in-flight runs finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping scheduler")

	if s.cancel != nil {
		s.cancel()
	}

	if s.cron != nil {
		s.cron.Stop()
	}

	s.mutex.Lock()
	s.jobs = make(map[string]cron.EntryID)
	s.mutex.Unlock()

	return nil
}

// collectJobs extracts every valid schedule trigger from published workflows.
// Invalid or incomplete trigger configs are logged and skipped so one bad
// workflow cannot block the rest of the schedule.
func (s *Scheduler) collectJobs(ctx context.Context) ([]job, error) {
	workflows, err := s.workflows.Workflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	jobs := make([]job, 0)

	for _, workflow := range workflows {
		if workflow.Status != models.WorkflowStatusPublished {
			continue
		}

		for _, block := range workflow.Blocks {
			if block.Type != models.BlockTypeTriggerSchedule {
				continue
			}

			cronExpr, ok := block.Config["cron"].(string)
			if !ok || cronExpr == "" {
				s.logger.WarnContext(ctx, "Schedule trigger without a cron expression",
					"workflow_id", workflow.ID, "block_id", block.ID)

				continue
			}

			if err := ValidateSpec(cronExpr); err != nil {
				s.logger.WarnContext(ctx, "Skipping schedule trigger",
					"workflow_id", workflow.ID, "block_id", block.ID, "error", err)

				continue
			}

			jobs = append(jobs, job{
				workflowID: workflow.ID,
				blockID:    block.ID,
				cronExpr:   cronExpr,
			})
		}
	}

	return jobs, nil
}

func (s *Scheduler) register(entry job) error {
	entryID, err := s.cron.AddFunc(entry.cronExpr, func() {
		s.fire(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job for workflow %s: %w", entry.workflowID, err)
	}

	s.mutex.Lock()
	s.jobs[entry.workflowID+":"+entry.blockID] = entryID
	s.mutex.Unlock()

	s.logger.Info("Registered schedule", "workflow_id", entry.workflowID, "cron", entry.cronExpr)

	return nil
}

// fire launches one scheduled run. The workflow is re-read at fire time so
// edits between ticks take effect.
func (s *Scheduler) fire(entry job) {
	logger := s.logger.With("workflow_id", entry.workflowID, "block_id", entry.blockID)

	workflow, err := s.workflows.GetByID(s.ctx, entry.workflowID)
	if err != nil {
		logger.Error("Failed to load workflow for scheduled run", "error", err)

		return
	}

	if workflow.Status != models.WorkflowStatusPublished {
		logger.Info("Workflow no longer published, skipping scheduled run")

		return
	}

	result, err := s.runner.Run(s.ctx, engine.RunRequest{
		Workflow: workflow,
		Mode:     models.ExecutionModeSchedule,
		TriggerData: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"cron":      entry.cronExpr,
			"block_id":  entry.blockID,
		},
	})
	if err != nil {
		logger.Error("Scheduled run failed to start", "error", err)

		return
	}

	logger.Info("Scheduled run finished",
		"execution_id", result.ExecutionID, "success", result.Success)
}
