package agent

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/provider"
	"github.com/loomlabs/loom/pkg/tools"
)

// scriptedProvider replays one canned response per round-trip and records the
// requests it received.
type scriptedProvider struct {
	responses []*provider.ChatResponse
	requests  []*provider.ChatRequest
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.requests = append(s.requests, req)

	index := len(s.requests) - 1
	if index >= len(s.responses) {
		index = len(s.responses) - 1
	}

	return s.responses[index], nil
}

func (s *scriptedProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamDelta, error) {
	resp, _ := s.Chat(ctx, req)
	deltas := make(chan provider.StreamDelta, 2)

	msg := resp.First()
	if msg.Content != "" {
		deltas <- provider.StreamDelta{Content: msg.Content}
	}

	usage := resp.Usage
	deltas <- provider.StreamDelta{Done: true, ToolCalls: msg.ToolCalls, Usage: &usage}
	close(deltas)

	return deltas, nil
}

type recordingTool struct {
	name  string
	calls int
}

func (r *recordingTool) Name() string           { return r.name }
func (r *recordingTool) Description() string    { return "test tool" }
func (r *recordingTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (r *recordingTool) Execute(_ context.Context, args map[string]any) (any, error) {
	r.calls++

	return map[string]any{"echo": args["query"]}, nil
}

func usage(prompt, completion int) provider.Usage {
	return provider.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func toolCallResponse(name, args string) *provider.ChatResponse {
	return &provider.ChatResponse{
		Choices: []provider.Choice{{
			Message: provider.Message{
				Role:      provider.RoleAssistant,
				ToolCalls: []provider.ToolCall{{ID: "call-1", Name: name, Arguments: args}},
			},
		}},
		Usage: usage(10, 5),
	}
}

func contentResponse(content string) *provider.ChatResponse {
	return &provider.ChatResponse{
		Choices: []provider.Choice{{
			Message: provider.Message{Role: provider.RoleAssistant, Content: content},
		}},
		Usage: usage(20, 8),
	}
}

func newTestLoop(p provider.Provider, toolList ...tools.Tool) *Loop {
	registry := tools.NewRegistry()
	for _, tool := range toolList {
		registry.Register(tool)
	}

	return NewLoop(p, registry, slog.Default())
}

func TestLoopForcedToolConvergence(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{"query":"go"}`),
		contentResponse("the answer"),
	}}
	lookup := &recordingTool{name: "lookup"}
	loop := newTestLoop(mock, lookup)

	result, err := loop.Run(context.Background(), Config{
		Model:      "gpt-test",
		ToolChoice: &provider.ToolChoice{Mode: provider.ToolChoiceForced, Forced: []string{"lookup"}},
	}, []provider.Message{{Role: provider.RoleUser, Content: "look up go"}})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "the answer", result.Content)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "lookup", result.ToolCalls[0].Name)
	assert.Equal(t, 1, lookup.calls)

	// First request forces the tool; once satisfied the choice loosens to auto.
	require.Len(t, mock.requests, 2)
	assert.Equal(t, provider.ToolChoiceForced, mock.requests[0].ToolChoice.Mode)
	assert.Equal(t, provider.ToolChoiceAuto, mock.requests[1].ToolChoice.Mode)
}

func TestLoopSingleForcedIteration(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{"query":"go"}`),
		{Usage: usage(1, 0)}, // no choices: loop must break, not throw
	}}
	loop := newTestLoop(mock, &recordingTool{name: "lookup"})

	result, err := loop.Run(context.Background(), Config{
		Model:      "gpt-test",
		ToolChoice: &provider.ToolChoice{Mode: provider.ToolChoiceForced, Forced: []string{"lookup"}},
	}, []provider.Message{{Role: provider.RoleUser, Content: "go"}})

	require.NoError(t, err)

	// One tool-execution cycle happened before the provider stopped, so the
	// loop reports exactly one iteration.
	assert.Len(t, result.ToolCalls, 1)
	assert.Equal(t, 1, result.Iterations)
}

func TestLoopEmptyChoicesPreservesContent(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		{
			Choices: []provider.Choice{{
				Message: provider.Message{
					Role:      provider.RoleAssistant,
					Content:   "partial thoughts",
					ToolCalls: []provider.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{}`}},
				},
			}},
			Usage: usage(5, 2),
		},
		{Usage: usage(1, 0)},
	}}

	registry := tools.NewRegistry()
	registry.Register(&recordingTool{name: "lookup"})

	var logs bytes.Buffer

	loop := NewLoop(mock, registry, slog.New(slog.NewTextHandler(&logs, nil)))

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial thoughts", result.Content)

	// Ending on empty choices is not cap exhaustion and must not be
	// reported as it.
	assert.Contains(t, logs.String(), "no choices")
	assert.NotContains(t, logs.String(), "iteration cap")
}

func TestLoopIterationCap(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{"query":"again"}`),
	}}
	loop := newTestLoop(mock, &recordingTool{name: "lookup"})

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test", MaxIterations: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Iterations)
	assert.Len(t, result.ToolCalls, 3)
}

func TestLoopSkipsUnknownTool(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("nonexistent", `{}`),
		contentResponse("done anyway"),
	}}
	loop := newTestLoop(mock)

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done anyway", result.Content)
	assert.Empty(t, result.ToolCalls)

	// The transcript still answers the tool call so the protocol stays valid.
	lastRequest := mock.requests[len(mock.requests)-1]
	toolMsg := lastRequest.Messages[len(lastRequest.Messages)-1]
	assert.Equal(t, provider.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "tool not found")
}

func TestLoopTokenAdditivity(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{"query":"a"}`), // 10 + 5
		toolCallResponse("lookup", `{"query":"b"}`), // 10 + 5
		contentResponse("final"),                    // 20 + 8
	}}
	loop := newTestLoop(mock, &recordingTool{name: "lookup"})

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 40, result.Usage.Prompt)
	assert.Equal(t, 18, result.Usage.Completion)
	assert.Equal(t, 58, result.Usage.Total)
}

func TestLoopRepairsMalformedArguments(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{"query": "go",}`), // trailing comma
		contentResponse("ok"),
	}}
	lookup := &recordingTool{name: "lookup"}
	loop := newTestLoop(mock, lookup)

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, lookup.calls)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "go", result.ToolCalls[0].Arguments["query"])
}

func TestLoopTimingBuckets(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		toolCallResponse("lookup", `{}`),
		contentResponse("done"),
	}}
	loop := newTestLoop(mock, &recordingTool{name: "lookup"})

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test"}, nil)
	require.NoError(t, err)

	var modelSegments, toolSegments int

	for _, segment := range result.Timing.Segments {
		switch segment.Type {
		case "model":
			modelSegments++
		case "tool":
			toolSegments++
		}
	}

	assert.Equal(t, 2, modelSegments)
	assert.Equal(t, 1, toolSegments)
}

func TestLoopStreamForwardsChunks(t *testing.T) {
	mock := &scriptedProvider{responses: []*provider.ChatResponse{
		contentResponse("streamed answer"),
	}}
	loop := newTestLoop(mock)

	var chunks []string

	result, err := loop.RunStream(context.Background(), Config{Model: "gpt-test"}, nil, func(chunk string) {
		chunks = append(chunks, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, "streamed answer", result.Content)
	assert.Equal(t, []string{"streamed answer"}, chunks)
}

func TestLoopReducedPayloadRetry(t *testing.T) {
	failing := &rejectOnceProvider{inner: &scriptedProvider{responses: []*provider.ChatResponse{
		contentResponse("recovered"),
	}}}
	loop := newTestLoop(failing)

	schema := &provider.ResponseFormat{Type: "json_schema"}

	result, err := loop.Run(context.Background(), Config{Model: "gpt-test", ResponseFormat: schema}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, 0, result.Iterations)
	require.Len(t, failing.seen, 2)
	assert.NotNil(t, failing.seen[0].ResponseFormat)
	assert.Nil(t, failing.seen[1].ResponseFormat)
}

// rejectOnceProvider rejects the first request with a 400, then delegates.
type rejectOnceProvider struct {
	inner *scriptedProvider
	seen  []*provider.ChatRequest
}

func (r *rejectOnceProvider) Name() string { return "rejecting" }

func (r *rejectOnceProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	r.seen = append(r.seen, req)

	if len(r.seen) == 1 {
		return nil, provider.NewError("rejecting", provider.ErrorKindInvalidRequest, 400, assert.AnError)
	}

	return r.inner.Chat(ctx, req)
}

func (r *rejectOnceProvider) ChatStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamDelta, error) {
	return r.inner.ChatStream(ctx, req)
}
