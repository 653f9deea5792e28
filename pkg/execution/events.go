package execution

import (
	"context"
	"time"

	"github.com/loomlabs/loom/pkg/eventbus"
	"github.com/loomlabs/loom/pkg/events"
	"github.com/loomlabs/loom/pkg/models"
)

// Lifecycle events are best-effort; a publish failure is logged and never
// affects the run.
func (e *Executor) publish(ctx context.Context, executionCtx *models.ExecutionContext, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, executionCtx.WorkflowID, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}

func (e *Executor) baseEvent(executionCtx *models.ExecutionContext, eventType events.EventType) events.BaseEvent {
	id := ""
	if e.eventBus != nil {
		id = e.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:          id,
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  executionCtx.WorkflowID,
		ExecutionID: executionCtx.ID,
	}
}

func (e *Executor) publishStarted(ctx context.Context, executionCtx *models.ExecutionContext) {
	e.publish(ctx, executionCtx, events.ExecutionStarted{
		BaseEvent: e.baseEvent(executionCtx, events.ExecutionStartedEvent),
		Mode:      executionCtx.Mode,
	})
}

func (e *Executor) publishCompleted(ctx context.Context, executionCtx *models.ExecutionContext, output map[string]any, duration time.Duration) {
	e.publish(ctx, executionCtx, events.ExecutionCompleted{
		BaseEvent: e.baseEvent(executionCtx, events.ExecutionCompletedEvent),
		Output:    output,
		Duration:  duration,
	})
}

func (e *Executor) publishFailed(ctx context.Context, executionCtx *models.ExecutionContext, err error, duration time.Duration) {
	e.publish(ctx, executionCtx, events.ExecutionFailed{
		BaseEvent: e.baseEvent(executionCtx, events.ExecutionFailedEvent),
		Error:     err.Error(),
		Duration:  duration,
	})
}

func (e *Executor) publishBlockCompleted(ctx context.Context, executionCtx *models.ExecutionContext, block *models.Block, output map[string]any, duration time.Duration) {
	e.publish(ctx, executionCtx, events.BlockCompleted{
		BaseEvent: e.baseEvent(executionCtx, events.BlockCompletedEvent),
		BlockID:   block.ID,
		BlockType: block.Type,
		Output:    output,
		Duration:  duration,
	})
}

func (e *Executor) publishBlockFailed(ctx context.Context, executionCtx *models.ExecutionContext, block *models.Block, err error, duration time.Duration) {
	e.publish(ctx, executionCtx, events.BlockFailed{
		BaseEvent: e.baseEvent(executionCtx, events.BlockFailedEvent),
		BlockID:   block.ID,
		BlockType: block.Type,
		Error:     err.Error(),
		Duration:  duration,
	})
}
