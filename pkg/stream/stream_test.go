package stream

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/pkg/models"
	"github.com/loomlabs/loom/pkg/persistence/memory"
)

func buildStream(t *testing.T, chunks []string, final FinalData) string {
	t.Helper()

	var buf strings.Builder

	writer := NewWriter(&buf)
	for _, chunk := range chunks {
		require.NoError(t, writer.WriteChunk(chunk))
	}

	require.NoError(t, writer.WriteFinal(final))
	require.NoError(t, writer.WriteDone())

	return buf.String()
}

func TestWriterWireFormat(t *testing.T) {
	var buf strings.Builder

	writer := NewWriter(&buf)
	require.NoError(t, writer.WriteChunk("hi"))
	require.NoError(t, writer.WriteFinal(FinalData{Success: true, Output: map[string]any{}}))
	require.NoError(t, writer.WriteDone())

	records := strings.Split(strings.TrimSuffix(buf.String(), "\n\n"), "\n\n")
	require.Len(t, records, 3)
	assert.Equal(t, `data: {"chunk":"hi"}`, records[0])
	assert.Contains(t, records[1], `"event":"final"`)
	assert.Equal(t, "data: [DONE]", records[2])
}

func TestProcessStreamFinalConsistency(t *testing.T) {
	final := FinalData{Success: true, Output: map[string]any{
		"agent-1": map[string]any{"content": "hello world"},
	}}
	src := buildStream(t, []string{"hello ", "world"}, final)

	store := memory.NewPersistence()
	repo := store.ExecutionRepository()
	require.NoError(t, repo.Create(context.Background(), &models.ExecutionResult{ExecutionID: "exec-1"}))

	var dst strings.Builder

	reconciler := NewReconciler(repo, slog.Default())
	finalText, err := reconciler.Process(context.Background(), "exec-1", nil, strings.NewReader(src), &dst)
	require.NoError(t, err)

	// Without selected outputs, the final text is exactly the chunks.
	assert.Equal(t, "hello world", finalText)

	record, err := repo.GetByID(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", record.Output["content"])

	// Every record passes through to the consumer.
	assert.Contains(t, dst.String(), `data: {"chunk":"hello "}`)
	assert.Contains(t, dst.String(), "data: [DONE]")
}

func TestProcessPersistenceFailureDoesNotAbortStream(t *testing.T) {
	src := buildStream(t, []string{"tokens"}, FinalData{Success: true, Output: map[string]any{}})

	// No execution record exists, so the patch fails; the stream must not.
	store := memory.NewPersistence()

	var dst strings.Builder

	reconciler := NewReconciler(store.ExecutionRepository(), slog.Default())
	finalText, err := reconciler.Process(context.Background(), "missing", nil, strings.NewReader(src), &dst)
	require.NoError(t, err)
	assert.Equal(t, "tokens", finalText)
	assert.Contains(t, dst.String(), "data: [DONE]")
}

func TestFinalTextDeduplicatesSelectedOutput(t *testing.T) {
	outcome := FinalData{Success: true, Output: map[string]any{
		"agent-1": map[string]any{"content": "the answer\n"},
	}}

	// The selected output equals the streamed content after trimming, so it
	// must not appear twice.
	finalText := FinalText("the answer", outcome, []string{"agent-1.content"})
	assert.Equal(t, "the answer", finalText)
}

func TestFinalTextAppendsDistinctSelectedOutputs(t *testing.T) {
	outcome := FinalData{Success: true, Output: map[string]any{
		"agent-1": map[string]any{"content": "streamed part"},
		"api-1":   map[string]any{"data": map[string]any{"status": "ok"}},
	}}

	finalText := FinalText("streamed part", outcome, []string{"agent-1.content", "api-1.data"})

	assert.True(t, strings.HasPrefix(finalText, "streamed part"))
	assert.Equal(t, 1, strings.Count(finalText, "streamed part"))
	assert.Contains(t, finalText, "```json")
	assert.Contains(t, finalText, `"status": "ok"`)
}

func TestFinalTextMissingPathIgnored(t *testing.T) {
	outcome := FinalData{Success: true, Output: map[string]any{}}

	finalText := FinalText("stream", outcome, []string{"ghost.content"})
	assert.Equal(t, "stream", finalText)
}
