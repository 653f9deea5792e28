package provider

import "context"

// Provider is a chat-completion backend. ChatStream returns a channel of
// deltas that is closed when the stream ends; the final delta has Done set.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamDelta, error)
}
