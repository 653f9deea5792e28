package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/blocks/function"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence/memory"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/registry"
	"github.com/loomlabs/loom/pkg/serializer"
)

// chunkFactory emits fixed content, streaming it in two chunks when its block
// is the designated output block.
type chunkFactory struct{}

func (f *chunkFactory) Type() string         { return "test:chunks" }
func (f *chunkFactory) ConfigSchema() string { return "" }

func (f *chunkFactory) Create(_ map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	return &chunkHandler{}, nil
}

type chunkHandler struct{}

func (h *chunkHandler) Execute(_ context.Context, block *models.Block, executionCtx *models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	if executionCtx.Streaming && executionCtx.OutputBlockID == block.ID && executionCtx.Stream != nil {
		executionCtx.Stream <- models.StreamChunk{BlockID: block.ID, Content: "hello "}
		executionCtx.Stream <- models.StreamChunk{BlockID: block.ID, Content: "world"}
	}

	return map[string]any{"content": "hello world"}, nil
}

func newTestEngine(t *testing.T, store *memory.Persistence) *Engine {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	reg.Register(&function.Factory{})
	reg.Register(&chunkFactory{})

	return New(Config{
		Persistence:  store,
		Registry:     reg,
		Dependencies: protocol.Dependencies{Logger: slog.Default()},
		Logger:       slog.Default(),
	})
}

func TestRunPersistsResult(t *testing.T) {
	store := memory.NewPersistence()
	eng := newTestEngine(t, store)

	workflow := &models.Workflow{
		ID:   "wf-1",
		Name: "echo flow",
		Blocks: []*models.Block{
			{ID: "fn", Type: models.BlockTypeFunction, Config: map[string]any{
				"expression": "{{ .trigger.name }}",
			}},
		},
	}

	result, err := eng.Run(context.Background(), RunRequest{
		Workflow:    workflow,
		Mode:        models.ExecutionModeManual,
		TriggerData: map[string]any{"name": "loom"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "loom", result.Output["fn"].(map[string]any)["result"])

	record, err := store.ExecutionRepository().GetByID(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.True(t, record.Success)
	require.Len(t, record.Logs, 1)
	assert.Equal(t, "fn", record.Logs[0].BlockID)
}

func TestRunCompilationErrorAbortsBeforeExecution(t *testing.T) {
	store := memory.NewPersistence()
	eng := newTestEngine(t, store)

	workflow := &models.Workflow{
		ID:   "wf-bad",
		Name: "mismatched subflow",
		Blocks: []*models.Block{
			{ID: "fn", Type: models.BlockTypeFunction, Config: map[string]any{"expression": "x"}},
		},
		Loops: map[string]*models.Loop{
			"fn": {ID: "fn", Nodes: []string{}, Iterations: 2},
		},
	}

	_, err := eng.Run(context.Background(), RunRequest{Workflow: workflow, Mode: models.ExecutionModeManual})
	require.Error(t, err)

	var compilation *serializer.CompilationError

	assert.True(t, errors.As(err, &compilation))
}

func TestRunStreamEndToEnd(t *testing.T) {
	store := memory.NewPersistence()
	eng := newTestEngine(t, store)

	workflow := &models.Workflow{
		ID:   "wf-stream",
		Name: "streaming flow",
		Blocks: []*models.Block{
			{ID: "out", Type: "test:chunks", Config: map[string]any{}},
		},
	}

	var dst strings.Builder

	result, err := eng.RunStream(context.Background(), RunRequest{
		Workflow:        workflow,
		Mode:            models.ExecutionModeChat,
		SelectedOutputs: []string{"out.content"},
	}, &dst)
	require.NoError(t, err)
	require.True(t, result.Success)

	// The wire carries chunks, the final event and the sentinel.
	assert.Contains(t, dst.String(), `data: {"chunk":"hello "}`)
	assert.Contains(t, dst.String(), `"event":"final"`)
	assert.Contains(t, dst.String(), "data: [DONE]")

	// The selected output matches the streamed content, so the persisted
	// final text carries it once.
	record, err := store.ExecutionRepository().GetByID(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", record.Output["content"])
	assert.Contains(t, record.Output, "out")
}

func TestValidateWorkflow(t *testing.T) {
	eng := newTestEngine(t, memory.NewPersistence())

	err := eng.ValidateWorkflow(&models.Workflow{ID: "wf", Name: "ab"}, models.ExecutionModeManual)
	assert.Error(t, err)

	err = eng.ValidateWorkflow(&models.Workflow{
		ID:   "wf",
		Name: "valid flow",
		Blocks: []*models.Block{
			{ID: "fn", Type: models.BlockTypeFunction, Config: map[string]any{"expression": "1"}},
		},
	}, models.ExecutionModeManual)
	assert.NoError(t, err)
}
