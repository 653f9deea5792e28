// Package provider defines the chat-completion abstraction the agent loop
// runs against, plus the registry that maps model prefixes to providers.
package provider

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a chat transcript.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke a named tool. Arguments hold the raw
// JSON string exactly as the provider produced it; malformed payloads are
// repaired downstream before execution.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoiceMode controls whether the model must call a tool.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceForced   ToolChoiceMode = "forced"
)

// ToolChoice selects the tool-choice strategy for one model call. Forced
// lists tool names the model must call before the choice loosens to auto.
type ToolChoice struct {
	Mode   ToolChoiceMode `json:"mode"`
	Forced []string       `json:"forced,omitempty"`
}

// ResponseFormat requests structured output. When Schema is set the model
// must reply with JSON matching it.
type ResponseFormat struct {
	Type   string          `json:"type"` // "text" or "json_schema"
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []ToolSchema    `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

// Usage reports token consumption for one model call. Providers that omit
// usage leave all fields zero; callers fall back to estimation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one candidate completion.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the full (non-streaming) result of one model call.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// First returns the first choice's message, or an empty message when the
// provider returned no choices.
func (r *ChatResponse) First() Message {
	if len(r.Choices) == 0 {
		return Message{}
	}

	return r.Choices[0].Message
}

// StreamDelta is one incremental update of a streamed model call. Content
// deltas and tool-call argument fragments arrive interleaved; Done marks the
// final delta, which carries usage when the provider reports it.
type StreamDelta struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Done         bool       `json:"done,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}
