// Package agentblock provides the agent block handler, which runs the
// tool-call loop against a configured provider.
package agentblock

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomlabs/loom/pkg/agent"
	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/protocol"
	"github.com/loomlabs/loom/pkg/provider"
)

// Factory builds agent block handlers.
type Factory struct{}

func (f *Factory) Type() string {
	return models.BlockTypeAgent
}

func (f *Factory) ConfigSchema() string {
	return `{
		"type": "object",
		"properties": {
			"provider": {"type": "string"},
			"model": {"type": "string"},
			"system_prompt": {"type": "string"},
			"prompt": {"type": "string"},
			"temperature": {"type": "number"},
			"max_tokens": {"type": "integer"},
			"max_iterations": {"type": "integer"},
			"tool_choice": {"type": "object"},
			"response_format": {"type": "object"}
		},
		"required": ["model"]
	}`
}

func (f *Factory) Create(config map[string]any, deps protocol.Dependencies) (protocol.BlockHandler, error) {
	providerName, _ := config["provider"].(string)
	if providerName == "" {
		providerName = "openai"
	}

	p, err := deps.Providers.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("agent block: %w", err)
	}

	return &Handler{
		config: config,
		loop:   agent.NewLoop(p, deps.Tools, deps.Logger),
	}, nil
}

// Handler runs one agent block.
type Handler struct {
	config map[string]any
	loop   *agent.Loop
}

func (h *Handler) Execute(ctx context.Context, block *models.Block, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	loopConfig := h.loopConfig()

	prompt, _ := h.config["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("agent block %s: missing prompt", block.ID)
	}

	messages := []provider.Message{{Role: provider.RoleUser, Content: prompt}}

	var result *agent.Result

	var err error

	if executionCtx.Streaming && executionCtx.OutputBlockID == block.ID && executionCtx.Stream != nil {
		result, err = h.loop.RunStream(ctx, loopConfig, messages, func(chunk string) {
			executionCtx.Stream <- models.StreamChunk{BlockID: block.ID, Content: chunk}
		})
	} else {
		result, err = h.loop.Run(ctx, loopConfig, messages)
	}

	if result != nil {
		// Tool calls, usage and timing land in the block log even when
		// the loop failed partway through.
		usage := result.Usage
		timing := result.Timing
		executionCtx.RecordAgentDetail(block.ID, &models.AgentDetail{
			ToolCalls:  result.ToolCalls,
			Usage:      &usage,
			Timing:     &timing,
			Iterations: result.Iterations,
		})
	}

	if err != nil {
		return nil, err
	}

	return map[string]any{
		"content":    result.Content,
		"iterations": result.Iterations,
		"tokens":     result.Usage.Total,
	}, nil
}

func (h *Handler) loopConfig() agent.Config {
	config := agent.Config{}

	config.Model, _ = h.config["model"].(string)
	config.SystemPrompt, _ = h.config["system_prompt"].(string)

	if temperature, ok := h.config["temperature"].(float64); ok {
		config.Temperature = &temperature
	}

	if maxTokens, ok := h.config["max_tokens"].(float64); ok {
		config.MaxTokens = int(maxTokens)
	}

	if maxIterations, ok := h.config["max_iterations"].(float64); ok {
		config.MaxIterations = int(maxIterations)
	}

	if choice, ok := h.config["tool_choice"].(map[string]any); ok {
		config.ToolChoice = parseToolChoice(choice)
	}

	return config
}

func parseToolChoice(raw map[string]any) *provider.ToolChoice {
	choice := &provider.ToolChoice{Mode: provider.ToolChoiceAuto}

	if mode, ok := raw["mode"].(string); ok {
		choice.Mode = provider.ToolChoiceMode(mode)
	}

	switch forced := raw["forced"].(type) {
	case []any:
		for _, name := range forced {
			if str, ok := name.(string); ok {
				choice.Forced = append(choice.Forced, str)
			}
		}
	case string:
		choice.Forced = []string{forced}
	}

	// The editor's shorthand {"function": "name"} forces a single tool.
	if name, ok := raw["function"].(string); ok && name != "" {
		choice.Mode = provider.ToolChoiceForced
		choice.Forced = append(choice.Forced, name)
	}

	if len(choice.Forced) > 0 && choice.Mode != provider.ToolChoiceForced {
		choice.Mode = provider.ToolChoiceForced
	}

	return choice
}
