// Package protocol defines the interfaces and contracts for pluggable block handlers.
package protocol

import (
	"context"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/provider"
	"github.com/loomlabs/loom/pkg/tools"
)

// BlockHandler executes one block against the live execution context and
// returns the block's output map.
type BlockHandler interface {
	Execute(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, error)
}

// Dependencies contains the shared, read-only collaborators handlers may use.
type Dependencies struct {
	Logger    *slog.Logger
	Providers *provider.Registry
	Tools     *tools.Registry
}

// HandlerFactory builds a handler from a block's resolved config.
type HandlerFactory interface {
	// Create builds a handler for one block execution. Config arrives with
	// templates already resolved.
	Create(config map[string]any, deps Dependencies) (BlockHandler, error)

	// Type returns the block type this factory serves.
	Type() string

	// ConfigSchema returns the JSON schema the block config must satisfy,
	// or "" to skip validation.
	ConfigSchema() string
}
