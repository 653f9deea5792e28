package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/template"
)

// runLoop executes a loop container: the member sub-graph re-runs once per
// iteration, sequentially, each iteration in an isolated child context.
// Iteration outputs land in the parent both namespaced by index and under the
// plain member id, so iteration i+1 and downstream blocks observe iteration
// i's results.
func (e *Executor) runLoop(ctx context.Context, g *graph, block *models.Block, executionCtx *models.ExecutionContext) error {
	loop, ok := g.workflow.Loops[block.ID]
	if !ok {
		return e.failContainer(executionCtx, block, fmt.Errorf("loop block %s has no subflow config", block.ID))
	}

	executionCtx.SetBlockRunning(block.ID)
	startedAt := time.Now().UTC()

	items, count, err := e.loopPlan(loop, executionCtx)
	if err != nil {
		return e.failContainer(executionCtx, block, err)
	}

	results := make([]any, 0, count)

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return e.failContainer(executionCtx, block, fmt.Errorf("execution cancelled: %w", err))
		}

		child := executionCtx.Child()
		scope := map[string]any{"index": i, "iterations": count}

		if items != nil {
			scope["item"] = items[i]
		}

		child.Variables["loop"] = scope

		sub := g.memberGraph(block.ID, loop.Nodes)
		iteration := i

		iterErr := e.runMembers(ctx, sub, child, block.ID, &iteration)

		e.mergeIteration(executionCtx, child, sub, block.ID, i)

		if iterErr != nil {
			return e.failContainer(executionCtx, block, fmt.Errorf("iteration %d: %w", i, iterErr))
		}

		results = append(results, iterationResult(child, sub))
	}

	output := map[string]any{
		"results":    results,
		"iterations": count,
	}

	e.completeContainer(ctx, executionCtx, block, output, startedAt)

	return nil
}

// runParallel executes a parallel container: every branch runs concurrently,
// bounded by DefaultMaxConcurrency, in fully isolated child contexts. All
// branches run to completion before the join (collect-all); the first
// branch error, if any, fails the container.
func (e *Executor) runParallel(ctx context.Context, g *graph, block *models.Block, executionCtx *models.ExecutionContext) error {
	parallel, ok := g.workflow.Parallels[block.ID]
	if !ok {
		return e.failContainer(executionCtx, block, fmt.Errorf("parallel block %s has no subflow config", block.ID))
	}

	executionCtx.SetBlockRunning(block.ID)
	startedAt := time.Now().UTC()

	items, count, err := e.parallelPlan(parallel, executionCtx)
	if err != nil {
		return e.failContainer(executionCtx, block, err)
	}

	children := make([]*models.ExecutionContext, count)
	graphs := make([]*graph, count)
	errs := make([]error, count)

	var wg sync.WaitGroup

	semaphore := make(chan struct{}, DefaultMaxConcurrency)

	for i := 0; i < count; i++ {
		child := executionCtx.Child()
		scope := map[string]any{"index": i, "branches": count}

		if items != nil {
			scope["item"] = items[i]
		}

		child.Variables["loop"] = scope
		children[i] = child
		graphs[i] = g.memberGraph(block.ID, parallel.Nodes)

		wg.Add(1)

		go func(branch int) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			iteration := branch
			errs[branch] = e.runMembers(ctx, graphs[branch], children[branch], block.ID, &iteration)
		}(i)
	}

	wg.Wait()

	results := make([]any, 0, count)

	var firstErr error

	for i := 0; i < count; i++ {
		// Branch states merge under the iteration namespace only;
		// parallel branches never observe each other.
		for _, member := range graphs[i].blocks {
			executionCtx.AdoptState(
				fmt.Sprintf("%s_%d_%s", block.ID, i, member.ID),
				children[i].BlockState(member.ID),
			)
		}

		for _, entry := range children[i].Logs() {
			executionCtx.AppendLog(entry)
		}

		if errs[i] != nil && firstErr == nil {
			firstErr = fmt.Errorf("branch %d: %w", i, errs[i])
		}

		results = append(results, iterationResult(children[i], graphs[i]))
	}

	if firstErr != nil {
		return e.failContainer(executionCtx, block, firstErr)
	}

	output := map[string]any{
		"results":  results,
		"branches": count,
	}

	e.completeContainer(ctx, executionCtx, block, output, startedAt)

	return nil
}

// runMembers schedules a container's member sub-graph within a child context.
func (e *Executor) runMembers(ctx context.Context, sub *graph, child *models.ExecutionContext, containerID string, iteration *int) error {
	// Member states reset per iteration; the child snapshot carries them
	// over from previous iterations under their plain ids.
	for _, member := range sub.blocks {
		child.ResetBlock(member.ID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}

		progressed := false

		for _, member := range sub.blocks {
			if child.BlockState(member.ID).Status != models.BlockStatusPending {
				continue
			}

			switch sub.readiness(member.ID, child) {
			case notReady:
				continue
			case shouldSkip:
				child.SkipBlock(member.ID)
				e.logSkipped(child, member)

				progressed = true
			case ready:
				progressed = true

				var err error

				switch member.Type {
				case models.BlockTypeLoop:
					err = e.runLoop(ctx, sub, member, child)
				case models.BlockTypeParallel:
					err = e.runParallel(ctx, sub, member, child)
				default:
					err = e.runPlainBlock(ctx, member, child, containerID, iteration)
				}

				if err != nil {
					return err
				}
			}
		}

		if sub.allTerminal(child) {
			return nil
		}

		if !progressed {
			return fmt.Errorf("subflow %s stalled: member graph has a cycle", containerID)
		}
	}
}

// mergeIteration folds a finished loop iteration back into the parent
// context and its log list.
func (e *Executor) mergeIteration(executionCtx *models.ExecutionContext, child *models.ExecutionContext, sub *graph, containerID string, index int) {
	for _, member := range sub.blocks {
		state := child.BlockState(member.ID)
		executionCtx.AdoptState(fmt.Sprintf("%s_%d_%s", containerID, index, member.ID), state)
		executionCtx.AdoptState(member.ID, state)
	}

	for _, entry := range child.Logs() {
		executionCtx.AppendLog(entry)
	}
}

// iterationResult gathers the completed member outputs of one iteration.
func iterationResult(child *models.ExecutionContext, sub *graph) map[string]any {
	result := make(map[string]any)

	for _, member := range sub.blocks {
		state := child.BlockState(member.ID)
		if state.Status == models.BlockStatusCompleted {
			result[member.ID] = state.Output
		}
	}

	return result
}

// loopPlan resolves a loop's iteration plan: a bound collection (one
// iteration per element) or a fixed count.
func (e *Executor) loopPlan(loop *models.Loop, executionCtx *models.ExecutionContext) ([]any, int, error) {
	if loop.LoopType == models.LoopTypeForEach || loop.ForEach != nil {
		items, err := resolveCollection(loop.ForEach, executionCtx)
		if err != nil {
			return nil, 0, fmt.Errorf("loop %s: %w", loop.ID, err)
		}

		return items, len(items), nil
	}

	if loop.Iterations <= 0 {
		return nil, 0, fmt.Errorf("loop %s: iterations must be positive", loop.ID)
	}

	return nil, loop.Iterations, nil
}

// parallelPlan resolves a parallel's fan-out: a distribution collection (one
// branch per element) or a fixed count.
func (e *Executor) parallelPlan(parallel *models.Parallel, executionCtx *models.ExecutionContext) ([]any, int, error) {
	if parallel.Distribution != nil {
		items, err := resolveCollection(parallel.Distribution, executionCtx)
		if err != nil {
			return nil, 0, fmt.Errorf("parallel %s: %w", parallel.ID, err)
		}

		return items, len(items), nil
	}

	if parallel.Count <= 0 {
		return nil, 0, fmt.Errorf("parallel %s: count must be positive", parallel.ID)
	}

	return nil, parallel.Count, nil
}

// resolveCollection turns a literal list or a template expression into the
// slice of iteration items. An empty list is valid and yields zero
// iterations.
func resolveCollection(raw any, executionCtx *models.ExecutionContext) ([]any, error) {
	value := raw

	if expr, ok := raw.(string); ok {
		rendered, err := template.RenderWithContext(expr, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve collection: %w", err)
		}

		value = rendered
	}

	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("collection must resolve to a list, got %T", value)
	}

	return items, nil
}

func (e *Executor) failContainer(executionCtx *models.ExecutionContext, block *models.Block, err error) error {
	executionCtx.FailBlock(block.ID, err.Error())

	now := time.Now().UTC()
	executionCtx.AppendLog(models.BlockLog{
		BlockID:   block.ID,
		BlockType: block.Type,
		BlockName: block.Name,
		Status:    models.BlockStatusFailed,
		Error:     err.Error(),
		StartedAt: now,
		EndedAt:   now,
	})

	return fmt.Errorf("block %s (%s) failed: %w", block.ID, block.Type, err)
}

func (e *Executor) completeContainer(ctx context.Context, executionCtx *models.ExecutionContext, block *models.Block, output map[string]any, startedAt time.Time) {
	executionCtx.CompleteBlock(block.ID, output)

	endedAt := time.Now().UTC()
	executionCtx.AppendLog(models.BlockLog{
		BlockID:    block.ID,
		BlockType:  block.Type,
		BlockName:  block.Name,
		Status:     models.BlockStatusCompleted,
		Output:     output,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		DurationMs: endedAt.Sub(startedAt).Milliseconds(),
	})

	e.publishBlockCompleted(ctx, executionCtx, block, output, endedAt.Sub(startedAt))
}
