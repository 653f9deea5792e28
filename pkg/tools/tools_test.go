package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	fail bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Schema() map[string]any {
	return map[string]any{"type": "object"}
}

func (e *echoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	if e.fail {
		return nil, errors.New("echo exploded")
	}

	return args["message"], nil
}

func TestRegistryExecute(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{})

	result, err := registry.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Output)
}

func TestRegistryExecuteToolFailure(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{fail: true})

	// Tool failures come back as results, not errors.
	result, err := registry.Execute(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "echo exploded", result.Error)
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.False(t, registry.Has("nope"))
}

func TestRegistrySchemas(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&echoTool{})

	schemas := registry.Schemas()
	require.Len(t, schemas, 1)
	assert.Equal(t, "echo", schemas[0].Name)
	assert.Equal(t, "echoes its input", schemas[0].Description)
}
