// Package response provides the response block handler, which shapes the
// user-facing output of a run.
package response

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
)

type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeResponse
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"content": {},
			"data": {"type": "object"},
			"status": {"type": "integer"}
		}
	}`
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	return &Handler{config: config}, nil
}

type Handler struct {
	config map[string]any
}

func (h *Handler) Execute(_ context.Context, _ *models.Block, _ *models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	output := make(map[string]any)

	if content, ok := h.config["content"]; ok {
		output["content"] = content
	}

	if data, ok := h.config["data"].(map[string]any); ok {
		for key, value := range data {
			output[key] = value
		}
	}

	if status, ok := h.config["status"].(float64); ok {
		output["status"] = int(status)
	}

	return output, nil
}
