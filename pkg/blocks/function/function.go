// Package function provides the function block handler: a template expression
// evaluated against the execution state, producing a derived value.
package function

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/template"
)

type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeFunction
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"expression": {"type": "string"}
		},
		"required": ["expression"]
	}`
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	expression, ok := config["expression"].(string)
	if !ok || expression == "" {
		return nil, fmt.Errorf("function block: missing 'expression' in configuration")
	}

	return &Handler{expression: expression}, nil
}

type Handler struct {
	expression string
}

func (h *Handler) Execute(_ context.Context, block *models.Block, executionCtx *models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	value, err := template.RenderWithContext(h.expression, executionCtx)
	if err != nil {
		return nil, fmt.Errorf("function block %s: %w", block.ID, err)
	}

	return map[string]any{"result": value}, nil
}
