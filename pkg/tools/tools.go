// Package tools defines the callable-tool abstraction exposed to agent
// blocks and the registry the tool-call loop executes against.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loomlabs/loom/pkg/provider"
)

// ErrToolNotFound indicates the model requested a tool that is not
// registered. The agent loop skips such calls instead of failing the block.
var ErrToolNotFound = errors.New("tool not found")

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result is the outcome of one tool invocation. Failed invocations are
// reported back to the model as structured payloads, not surfaced as block
// errors.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry holds the tools available to one run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its own name, replacing any previous
// registration.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name()] = tool
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	return tool, nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.tools[name]

	return ok
}

// Schemas returns the provider-facing schemas of every registered tool.
func (r *Registry) Schemas() []provider.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]provider.ToolSchema, 0, len(r.tools))

	for _, tool := range r.tools {
		schemas = append(schemas, provider.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}

	return schemas
}

// Execute runs the named tool and folds its outcome into a Result. Tool
// errors never propagate as Go errors; only an unregistered name does.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}

	output, err := tool.Execute(ctx, args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	return Result{Success: true, Output: output}, nil
}
