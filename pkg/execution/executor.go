// Package execution walks a compiled workflow in dependency order,
// dispatching blocks to their handlers, expanding loop and parallel subflows
// and aggregating per-block logs into an execution result.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomlabs/loom/pkg/eventbus"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/registry"
	"github.com/loomlabs/loom/pkg/template"
)

// DefaultMaxConcurrency bounds parallel subflow fan-out.
const DefaultMaxConcurrency = 8

// Executor turns a compiled workflow and an execution context into an
// execution result. One executor serves many runs; all per-run state lives in
// the ExecutionContext.
type Executor struct {
	registry *registry.Registry
	deps     protocol.Dependencies
	eventBus eventbus.EventBus
	logger   *slog.Logger
}

// NewExecutor creates an executor. The event bus is optional; a nil bus
// disables lifecycle events.
func NewExecutor(reg *registry.Registry, deps protocol.Dependencies, bus eventbus.EventBus, logger *slog.Logger) *Executor {
	return &Executor{
		registry: reg,
		deps:     deps,
		eventBus: bus,
		logger:   logger.With("module", "executor"),
	}
}

// Execute runs the workflow to completion. The returned result always carries
// the logs accumulated up to the point of failure; it is never nil.
func (e *Executor) Execute(ctx context.Context, workflow *models.SerializedWorkflow, executionCtx *models.ExecutionContext) *models.ExecutionResult {
	startedAt := time.Now().UTC()

	e.publishStarted(ctx, executionCtx)

	graph := newGraph(workflow)
	runErr := e.runGraph(ctx, graph, executionCtx)

	endedAt := time.Now().UTC()
	result := &models.ExecutionResult{
		ExecutionID: executionCtx.ID,
		WorkflowID:  executionCtx.WorkflowID,
		Success:     runErr == nil,
		Output:      mergeOutputs(executionCtx),
		Logs:        executionCtx.Logs(),
		Metadata: models.ExecutionMetadata{
			StartedAt:  startedAt,
			EndedAt:    endedAt,
			DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		},
	}

	if runErr != nil {
		result.Error = runErr.Error()
		e.publishFailed(ctx, executionCtx, runErr, endedAt.Sub(startedAt))
	} else {
		e.publishCompleted(ctx, executionCtx, result.Output, endedAt.Sub(startedAt))
	}

	return result
}

// runGraph schedules the top-level blocks of the workflow.
func (e *Executor) runGraph(ctx context.Context, g *graph, executionCtx *models.ExecutionContext) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}

		progressed := false

		for _, block := range g.blocks {
			state := executionCtx.BlockState(block.ID)
			if state.Status != models.BlockStatusPending {
				continue
			}

			readiness := g.readiness(block.ID, executionCtx)

			switch readiness {
			case notReady:
				continue
			case shouldSkip:
				executionCtx.SkipBlock(block.ID)
				e.logSkipped(executionCtx, block)

				progressed = true
			case ready:
				progressed = true

				if err := e.runBlock(ctx, g, block, executionCtx); err != nil {
					if e.failureAborts(g, block.ID, executionCtx) {
						e.skipRemaining(g, executionCtx)

						return err
					}

					e.logger.WarnContext(ctx, "Block failed off the output path, continuing",
						"block_id", block.ID, "error", err)
				}
			}
		}

		if g.allTerminal(executionCtx) {
			return nil
		}

		if !progressed {
			return fmt.Errorf("execution stalled: graph has a cycle or unreachable blocks")
		}
	}
}

// runBlock executes one block, container or plain, and records its log entry.
func (e *Executor) runBlock(ctx context.Context, g *graph, block *models.Block, executionCtx *models.ExecutionContext) error {
	switch block.Type {
	case models.BlockTypeLoop:
		return e.runLoop(ctx, g, block, executionCtx)
	case models.BlockTypeParallel:
		return e.runParallel(ctx, g, block, executionCtx)
	default:
		return e.runPlainBlock(ctx, block, executionCtx, "", nil)
	}
}

// runPlainBlock executes a non-container block. parentID and iteration tag
// logs of subflow members.
func (e *Executor) runPlainBlock(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext, parentID string, iteration *int) error {
	executionCtx.SetBlockRunning(block.ID)
	startedAt := time.Now().UTC()

	output, err := e.dispatch(ctx, block, executionCtx)

	endedAt := time.Now().UTC()
	entry := models.BlockLog{
		BlockID:       block.ID,
		BlockType:     block.Type,
		BlockName:     block.Name,
		Input:         block.Config,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		DurationMs:    endedAt.Sub(startedAt).Milliseconds(),
		ParentBlockID: parentID,
		Iteration:     iteration,
	}

	if detail, ok := executionCtx.TakeAgentDetail(block.ID); ok {
		entry.ToolCalls = detail.ToolCalls
		entry.Usage = detail.Usage
		entry.Timing = detail.Timing
	}

	if err != nil {
		executionCtx.FailBlock(block.ID, err.Error())

		entry.Status = models.BlockStatusFailed
		entry.Error = err.Error()
		executionCtx.AppendLog(entry)

		e.publishBlockFailed(ctx, executionCtx, block, err, endedAt.Sub(startedAt))

		return fmt.Errorf("block %s (%s) failed: %w", block.ID, block.Type, err)
	}

	executionCtx.CompleteBlock(block.ID, output)

	entry.Status = models.BlockStatusCompleted
	entry.Output = output
	executionCtx.AppendLog(entry)

	e.publishBlockCompleted(ctx, executionCtx, block, output, endedAt.Sub(startedAt))

	return nil
}

// dispatch resolves the block's config templates, builds the handler and
// executes it.
func (e *Executor) dispatch(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext) (map[string]any, error) {
	config, err := template.RenderConfig(block.Config, executionCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config: %w", err)
	}

	handler, err := e.registry.CreateHandler(block.Type, config, e.deps)
	if err != nil {
		return nil, err
	}

	return handler.Execute(ctx, block, executionCtx, e.logger)
}

// failureAborts decides whether a block failure terminates the run. With
// selected outputs configured, only failures that can reach a selected block
// abort; without them every block is potentially user-visible, so any failure
// aborts.
func (e *Executor) failureAborts(g *graph, blockID string, executionCtx *models.ExecutionContext) bool {
	if len(executionCtx.SelectedOutputs) == 0 {
		return true
	}

	selected := make(map[string]bool, len(executionCtx.SelectedOutputs))
	for _, path := range executionCtx.SelectedOutputs {
		selected[rootOfPath(path)] = true
	}

	if selected[blockID] {
		return true
	}

	for _, target := range g.reachableFrom(blockID) {
		if selected[target] {
			return true
		}
	}

	return false
}

func (e *Executor) skipRemaining(g *graph, executionCtx *models.ExecutionContext) {
	for _, block := range g.blocks {
		if !executionCtx.BlockState(block.ID).Status.Terminal() {
			executionCtx.SkipBlock(block.ID)
			e.logSkipped(executionCtx, block)
		}
	}
}

func (e *Executor) logSkipped(executionCtx *models.ExecutionContext, block *models.Block) {
	now := time.Now().UTC()
	executionCtx.AppendLog(models.BlockLog{
		BlockID:   block.ID,
		BlockType: block.Type,
		BlockName: block.Name,
		Status:    models.BlockStatusSkipped,
		StartedAt: now,
		EndedAt:   now,
	})
}

// mergeOutputs flattens completed block outputs keyed by block id so
// selected-output paths like "blockID.content" resolve against the result.
func mergeOutputs(executionCtx *models.ExecutionContext) map[string]any {
	merged := make(map[string]any)

	for id, output := range executionCtx.BlockOutputs() {
		merged[id] = output
	}

	return merged
}

func rootOfPath(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}

	return path
}
