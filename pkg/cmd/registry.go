package cmd

import (
	"log/slog"
	"os"

	"github.com/loomlabs/loom/pkg/blocks"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/provider"
	"github.com/loomlabs/loom/pkg/provider/openai"
	"github.com/loomlabs/loom/pkg/registry"
	"github.com/loomlabs/loom/pkg/tools"
	"github.com/loomlabs/loom/pkg/tools/httprequest"
)

// NewRegistry builds the block handler registry with every built-in block.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	blocks.RegisterBuiltins(reg)

	return reg
}

// NewDependencies assembles the shared collaborators handed to block
// handlers: the provider registry and the tool registry.
func NewDependencies(logger *slog.Logger) protocol.Dependencies {
	providers := provider.NewRegistry()

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		providers.Register(openai.NewProvider(openai.Config{
			APIKey:  apiKey,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		}, logger))
	}

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(httprequest.NewTool(logger))

	return protocol.Dependencies{
		Logger:    logger,
		Providers: providers,
		Tools:     toolRegistry,
	}
}
