// Package trace records workflow runs: a Session brackets a run with
// start/complete calls against the execution store, and BuildTraceSpans
// reconstructs the hierarchical timing tree from the flat block logs.
package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence"
)

// Session is a best-effort run recorder. Every operation swallows
// persistence failures after logging them: observability being down must
// never change the outcome of a run.
type Session struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger

	executionID string
	workflowID  string
	startedAt   time.Time
}

// NewSession creates a recorder for one run. The repository may be nil,
// which turns every operation into a no-op.
func NewSession(executions persistence.ExecutionRepository, logger *slog.Logger) *Session {
	return &Session{
		executions: executions,
		logger:     logger.With("module", "trace-session"),
	}
}

// Start records the run before any block executes: id, workflow, mode and
// trigger input, with the start timestamp.
func (s *Session) Start(ctx context.Context, executionCtx *models.ExecutionContext) {
	s.executionID = executionCtx.ID
	s.workflowID = executionCtx.WorkflowID
	s.startedAt = time.Now().UTC()

	if s.executions == nil {
		return
	}

	record := &models.ExecutionResult{
		ExecutionID: s.executionID,
		WorkflowID:  s.workflowID,
		Output: map[string]any{
			"mode":    string(executionCtx.Mode),
			"trigger": executionCtx.TriggerData,
		},
		Metadata: models.ExecutionMetadata{StartedAt: s.startedAt},
	}

	if err := s.executions.Create(ctx, record); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record execution start",
			"execution_id", s.executionID, "error", err)
	}
}

// Complete persists the finished run: appends the block logs, merges the
// block outputs into the record and finalizes success and duration.
func (s *Session) Complete(ctx context.Context, result *models.ExecutionResult) {
	s.finish(ctx, result, true, "")
}

// CompleteWithError persists a failed run the same way Complete does,
// carrying the failure reason. Partial logs are kept.
func (s *Session) CompleteWithError(ctx context.Context, result *models.ExecutionResult, err error) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}

	s.finish(ctx, result, false, errMsg)
}

func (s *Session) finish(ctx context.Context, result *models.ExecutionResult, success bool, errMsg string) {
	if s.executions == nil {
		return
	}

	// The run may have been cancelled; completion writes still go through
	// so the record is never left open.
	ctx = context.WithoutCancel(ctx)

	if len(result.Logs) > 0 {
		if err := s.executions.AppendLogs(ctx, s.executionID, result.Logs); err != nil {
			s.logger.ErrorContext(ctx, "Failed to append execution logs",
				"execution_id", s.executionID, "error", err)
		}
	}

	if len(result.Output) > 0 {
		if err := s.executions.PatchFinalOutput(ctx, s.executionID, result.Output); err != nil {
			s.logger.ErrorContext(ctx, "Failed to patch execution output",
				"execution_id", s.executionID, "error", err)
		}
	}

	endedAt := time.Now().UTC()
	metadata := models.ExecutionMetadata{
		StartedAt:  s.startedAt,
		EndedAt:    endedAt,
		DurationMs: endedAt.Sub(s.startedAt).Milliseconds(),
	}

	if err := s.executions.Finalize(ctx, s.executionID, success, errMsg, metadata); err != nil {
		s.logger.ErrorContext(ctx, "Failed to finalize execution record",
			"execution_id", s.executionID, "error", err)
	}
}

// BuildTraceSpans reconstructs the span tree from the flat log list. Logs
// carrying a parent block id nest under that container's span; loop members
// keep one span per iteration. Members whose container never logged (a run
// aborted mid-container) surface as roots rather than being dropped.
func BuildTraceSpans(logs []models.BlockLog) []*models.TraceSpan {
	spans := make([]*models.TraceSpan, len(logs))
	containers := make(map[string]*models.TraceSpan)

	for i, entry := range logs {
		spans[i] = &models.TraceSpan{
			BlockID:    entry.BlockID,
			BlockType:  entry.BlockType,
			Name:       entry.BlockName,
			Status:     entry.Status,
			StartedAt:  entry.StartedAt,
			EndedAt:    entry.EndedAt,
			DurationMs: entry.DurationMs,
			Iteration:  entry.Iteration,
			ToolCalls:  entry.ToolCalls,
			Usage:      entry.Usage,
			Timing:     entry.Timing,
		}

		// Container logs land after their members; index every span by
		// block id so late containers still collect earlier children.
		containers[entry.BlockID] = spans[i]
	}

	roots := make([]*models.TraceSpan, 0, len(spans))

	for i, entry := range logs {
		if entry.ParentBlockID == "" {
			roots = append(roots, spans[i])

			continue
		}

		parent, ok := containers[entry.ParentBlockID]
		if !ok || parent == spans[i] {
			roots = append(roots, spans[i])

			continue
		}

		parent.Children = append(parent.Children, spans[i])
	}

	return roots
}
