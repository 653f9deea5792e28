package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEScanner(t *testing.T) {
	input := "data: {\"a\":1}\n\n" +
		": comment line\n" +
		"data: part one\n" +
		"data: part two\n\n" +
		"data: [DONE]\n\n"

	scanner := NewSSEScanner(strings.NewReader(input))

	payload, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, payload)

	// Multi-line data fields join with newlines.
	payload, err = scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "part one\npart two", payload)

	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSSEScannerTrailingData(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: tail"))

	payload, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", payload)

	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, ErrorKindAuth, KindFromStatus(401))
	assert.Equal(t, ErrorKindPayloadTooLarge, KindFromStatus(413))
	assert.Equal(t, ErrorKindRateLimit, KindFromStatus(429))
	assert.Equal(t, ErrorKindInvalidRequest, KindFromStatus(422))
	assert.Equal(t, ErrorKindServer, KindFromStatus(500))

	rateLimited := NewError("openai", ErrorKindRateLimit, 429, errors.New("slow down"))
	assert.True(t, rateLimited.Retryable())

	badRequest := NewError("openai", ErrorKindInvalidRequest, 400, errors.New("too long"))
	assert.False(t, badRequest.Retryable())
	assert.True(t, IsPayloadRejection(badRequest))

	tooLarge := NewError("openai", ErrorKindPayloadTooLarge, 413, errors.New("payload"))
	assert.True(t, IsPayloadRejection(tooLarge))

	assert.False(t, IsPayloadRejection(errors.New("plain")))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("missing")
	require.Error(t, err)

	registry.Register(&stubProvider{name: "mock"})

	p, err := registry.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, []string{"mock"}, registry.Names())
}

func TestChatResponseFirst(t *testing.T) {
	empty := &ChatResponse{}
	assert.Equal(t, Message{}, empty.First())

	resp := &ChatResponse{Choices: []Choice{{Message: Message{Content: "hi"}}}}
	assert.Equal(t, "hi", resp.First().Content)
}

type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{}, nil
}

func (s *stubProvider) ChatStream(_ context.Context, _ *ChatRequest) (<-chan StreamDelta, error) {
	ch := make(chan StreamDelta)
	close(ch)

	return ch, nil
}
