// Package registry maps block types to handler factories and validates block
// configs against their declared schemas before execution.
package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/loomlabs/loom/pkg/protocol"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.HandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "registry"),
		factories: make(map[string]protocol.HandlerFactory),
	}
}

func (r *Registry) Register(factory protocol.HandlerFactory) {
	r.factories[factory.Type()] = factory
}

// Has reports whether a handler factory is registered for the block type.
func (r *Registry) Has(blockType string) bool {
	_, ok := r.factories[blockType]

	return ok
}

// Types returns the registered block types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for blockType := range r.factories {
		types = append(types, blockType)
	}

	return types
}

// CreateHandler validates the config against the factory's schema and builds
// a handler for one block execution.
func (r *Registry) CreateHandler(blockType string, config map[string]any, deps protocol.Dependencies) (protocol.BlockHandler, error) {
	factory, ok := r.factories[blockType]
	if !ok {
		return nil, fmt.Errorf("block type '%s' not registered", blockType)
	}

	if schema := factory.ConfigSchema(); schema != "" {
		if err := validateConfig(schema, config); err != nil {
			return nil, fmt.Errorf("invalid config for block type '%s': %w", blockType, err)
		}
	}

	return factory.Create(config, deps)
}

func validateConfig(schema string, config map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}

	return fmt.Errorf("config does not match schema: %s", strings.Join(issues, "; "))
}
