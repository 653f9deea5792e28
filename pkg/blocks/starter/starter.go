// Package starter provides the entry-point block handler used by API and
// scheduled runs. It surfaces the trigger payload as its output.
package starter

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
)

type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeStarter
}

func (f *Factory) ConfigSchema() string {
	return ""
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	return &Handler{config: config}, nil
}

type Handler struct {
	config map[string]any
}

func (h *Handler) Execute(_ context.Context, _ *models.Block, executionCtx *models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	output := map[string]any{
		"input": executionCtx.TriggerData,
	}

	for key, value := range h.config {
		if _, taken := output[key]; !taken {
			output[key] = value
		}
	}

	return output, nil
}
