// Package condition provides the condition block handler. It evaluates its
// branch expressions in order and selects exactly one outgoing handle; the
// executor prunes every other branch.
package condition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/template"
)

// ElseHandle is selected when no branch expression evaluates to true.
const ElseHandle = "else"

type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeCondition
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"conditions": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"handle": {"type": "string"},
						"expression": {"type": "string"}
					},
					"required": ["handle", "expression"]
				}
			}
		},
		"required": ["conditions"]
	}`
}

func (f *Factory) Create(config map[string]any, _ protocol.Dependencies) (protocol.BlockHandler, error) {
	raw, ok := config["conditions"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("condition block: missing 'conditions' in configuration")
	}

	branches := make([]branch, 0, len(raw))

	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition block: invalid condition entry")
		}

		handle, _ := entry["handle"].(string)
		expression, _ := entry["expression"].(string)

		if handle == "" || expression == "" {
			return nil, fmt.Errorf("condition block: condition entries need 'handle' and 'expression'")
		}

		branches = append(branches, branch{handle: handle, expression: expression})
	}

	return &Handler{branches: branches}, nil
}

type branch struct {
	handle     string
	expression string
}

type Handler struct {
	branches []branch
}

func (h *Handler) Execute(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	for _, candidate := range h.branches {
		value, err := template.RenderWithContext(candidate.expression, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("condition block %s: failed to evaluate branch %q: %w", block.ID, candidate.handle, err)
		}

		if truthy(value) {
			logger.DebugContext(ctx, "Condition branch selected", "block_id", block.ID, "handle", candidate.handle)

			return map[string]any{
				models.OutputKeySelectedHandle: candidate.handle,
				"result":                       value,
			}, nil
		}
	}

	return map[string]any{
		models.OutputKeySelectedHandle: ElseHandle,
		"result":                       false,
	}, nil
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case float64:
		return typed != 0
	case string:
		return typed != "" && typed != "false"
	case nil:
		return false
	default:
		return true
	}
}
