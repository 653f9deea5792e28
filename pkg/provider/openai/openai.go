// Package openai implements the provider interface against any
// OpenAI-compatible chat-completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/loomlabs/loom/pkg/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxErrorBodySize caps error body reads to prevent unbounded allocation.
const maxErrorBodySize int64 = 1 * 1024 * 1024

// Provider talks to an OpenAI-compatible /chat/completions endpoint.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// Config configures an OpenAI-compatible provider. BaseURL defaults to the
// OpenAI API; Name defaults to "openai".
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewProvider creates a provider from config.
func NewProvider(config Config, logger *slog.Logger) *Provider {
	name := config.Name
	if name == "" {
		name = "openai"
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Provider{
		name:    name,
		baseURL: baseURL,
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("module", "provider", "provider", name),
	}
}

func (p *Provider) Name() string {
	return p.name
}

// Chat performs a non-streaming model call.
func (p *Provider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	body, err := p.post(ctx, wireRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var wire wireResponse
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, provider.NewError(p.name, provider.ErrorKindServer, 0, fmt.Errorf("failed to decode response: %w", err))
	}

	return wire.toResponse(), nil
}

// ChatStream performs a streaming model call. Content deltas are forwarded as
// they arrive; tool calls are assembled from argument fragments and delivered
// complete on the final delta.
func (p *Provider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamDelta, error) {
	body, err := p.post(ctx, wireRequest(req, true))
	if err != nil {
		return nil, err
	}

	deltas := make(chan provider.StreamDelta)

	go func() {
		defer close(deltas)
		defer body.Close()

		scanner := provider.NewSSEScanner(body)
		calls := make(map[int]*provider.ToolCall)

		var finishReason string

		var usage *provider.Usage

		for {
			payload, err := scanner.Next()
			if err == io.EOF {
				break
			}

			if err != nil {
				p.logger.ErrorContext(ctx, "stream read failed", "error", err)

				break
			}

			var chunk wireStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				p.logger.WarnContext(ctx, "skipping malformed stream chunk", "error", err)

				continue
			}

			if chunk.Usage != nil {
				usage = &provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}

			for _, fragment := range choice.Delta.ToolCalls {
				call, ok := calls[fragment.Index]
				if !ok {
					call = &provider.ToolCall{}
					calls[fragment.Index] = call
				}

				if fragment.ID != "" {
					call.ID = fragment.ID
				}

				if fragment.Function.Name != "" {
					call.Name = fragment.Function.Name
				}

				call.Arguments += fragment.Function.Arguments
			}

			if choice.Delta.Content != "" {
				select {
				case deltas <- provider.StreamDelta{Content: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		final := provider.StreamDelta{
			Done:         true,
			FinishReason: finishReason,
			Usage:        usage,
			ToolCalls:    assembleCalls(calls),
		}

		select {
		case deltas <- final:
		case <-ctx.Done():
		}
	}()

	return deltas, nil
}

func assembleCalls(calls map[int]*provider.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(calls))
	for index := range calls {
		indexes = append(indexes, index)
	}

	sort.Ints(indexes)

	assembled := make([]provider.ToolCall, 0, len(calls))
	for _, index := range indexes {
		assembled = append(assembled, *calls[index])
	}

	return assembled
}

func (p *Provider) post(ctx context.Context, payload map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, provider.NewError(p.name, provider.ErrorKindInvalidRequest, 0, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, provider.NewError(p.name, provider.ErrorKindInvalidRequest, 0, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.NewError(p.name, provider.ErrorKindNetwork, 0, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return nil, provider.NewError(p.name, provider.KindFromStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(errorBody)))
	}

	return resp.Body, nil
}

// wireRequest maps the neutral request onto the OpenAI wire format.
func wireRequest(req *provider.ChatRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":    req.Model,
		"messages": wireMessages(req.Messages),
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}

		payload["tools"] = tools
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case provider.ToolChoiceForced:
			if len(req.ToolChoice.Forced) > 0 {
				payload["tool_choice"] = map[string]any{
					"type":     "function",
					"function": map[string]any{"name": req.ToolChoice.Forced[0]},
				}
			}
		case provider.ToolChoiceRequired:
			payload["tool_choice"] = "required"
		case provider.ToolChoiceNone:
			payload["tool_choice"] = "none"
		case provider.ToolChoiceAuto:
			payload["tool_choice"] = "auto"
		}
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": req.ResponseFormat.Schema,
			},
		}
	}

	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	return payload
}

func wireMessages(messages []provider.Message) []map[string]any {
	wire := make([]map[string]any, 0, len(messages))

	for _, msg := range messages {
		entry := map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		}

		if msg.Name != "" {
			entry["name"] = msg.Name
		}

		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}

		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": call.Arguments,
					},
				})
			}

			entry["tool_calls"] = calls
		}

		wire = append(wire, entry)
	}

	return wire
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

func (w *wireResponse) toResponse() *provider.ChatResponse {
	resp := &provider.ChatResponse{
		ID:    w.ID,
		Model: w.Model,
		Usage: provider.Usage{
			PromptTokens:     w.Usage.PromptTokens,
			CompletionTokens: w.Usage.CompletionTokens,
			TotalTokens:      w.Usage.TotalTokens,
		},
	}

	for _, choice := range w.Choices {
		msg := provider.Message{
			Role:    provider.Role(choice.Message.Role),
			Content: choice.Message.Content,
		}

		for _, call := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}

		resp.Choices = append(resp.Choices, provider.Choice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: choice.FinishReason,
		})
	}

	return resp
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}
