// Package router provides the router block handler. It resolves a routing
// expression to the id of exactly one downstream block; the executor prunes
// the rest.
package router

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
	return models.BlockTypeRouter
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"expression": {"type": "string"},
			"routes": {"type": "array", "items": {"type": "string"}},
			"default": {"type": "string"}
		},
		"required": ["expression"]
	}`
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	expression, ok := config["expression"].(string)
	if !ok || expression == "" {
		return nil, fmt.Errorf("router block: missing 'expression' in configuration")
	}

	routes := make(map[string]bool)

	if rawRoutes, ok := config["routes"].([]any); ok {
		for _, route := range rawRoutes {
			if id, ok := route.(string); ok {
				routes[id] = true
			}
		}
	}

	fallback, _ := config["default"].(string)

	return &Handler{expression: expression, routes: routes, fallback: fallback}, nil
}

type Handler struct {
	expression string
	routes     map[string]bool
	fallback   string
}

func (h *Handler) Execute(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	value, err := template.RenderWithContext(h.expression, executionCtx)
	if err != nil {
		return nil, fmt.Errorf("router block %s: failed to evaluate expression: %w", block.ID, err)
	}

	selected := fmt.Sprintf("%v", value)

	// An unknown route falls back to the configured default when one exists.
	if len(h.routes) > 0 && !h.routes[selected] {
		if h.fallback == "" {
			return nil, fmt.Errorf("router block %s: expression selected unknown route %q", block.ID, selected)
		}

		logger.WarnContext(ctx, "Router expression selected unknown route, using default",
			"block_id", block.ID, "selected", selected, "default", h.fallback)

		selected = h.fallback
	}

	return map[string]any{
		models.OutputKeySelectedRoute: selected,
	}, nil
}
