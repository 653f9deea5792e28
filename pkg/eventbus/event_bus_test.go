package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/channels/gochannel"
	"github.com/loomlabs/loom/pkg/eventbus"
	"github.com/loomlabs/loom/pkg/events"
)

func TestWatermillEventBusRoundTrip(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer bus.Close()

	received := make(chan any, 1)

	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, func(_ context.Context, event any) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	event := events.ExecutionCompleted{
		BaseEvent: events.BaseEvent{
			ID:          bus.GenerateID(),
			Type:        events.ExecutionCompletedEvent,
			Timestamp:   time.Now().UTC(),
			WorkflowID:  "wf-1",
			ExecutionID: "exec-1",
		},
		Output: map[string]any{"fn": map[string]any{"result": "ok"}},
	}
	require.NoError(t, bus.Publish(ctx, "wf-1", event))

	select {
	case got := <-received:
		completed, ok := got.(*events.ExecutionCompleted)
		require.True(t, ok)
		assert.Equal(t, "exec-1", completed.ExecutionID)
		assert.Equal(t, events.ExecutionCompletedEvent, completed.GetType())
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestGenerateIDUnique(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer bus.Close()

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
