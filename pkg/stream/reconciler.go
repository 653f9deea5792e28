package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loomlabs/loom/pkg/persistence"
)

// Reconciler pipes a raw SSE stream through to a consumer while accumulating
// chunks, and on the terminal event derives the final user-visible text and
// persists it against the execution record.
type Reconciler struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger
}

// NewReconciler creates a reconciler. The repository may be nil, in which
// case the final text is computed but not persisted.
func NewReconciler(executions persistence.ExecutionRepository, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		executions: executions,
		logger:     logger.With("module", "stream-reconciler"),
	}
}

// Process reads SSE records from src and re-emits each one to dst
// immediately; reconciliation never delays pass-through. Chunks accumulate
// into a running buffer; on the final event the selected outputs are
// extracted, formatted, de-duplicated against the streamed content and
// persisted. Returns the final text.
func (r *Reconciler) Process(ctx context.Context, executionID string, selectedOutputs []string, src io.Reader, dst io.Writer) (string, error) {
	writer := NewWriter(dst)
	scanner := newRecordScanner(src)

	var streamed strings.Builder

	var finalText string

	for {
		payload, err := scanner.next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return finalText, fmt.Errorf("stream read failed: %w", err)
		}

		if payload == DoneSentinel {
			if err := writer.WriteDone(); err != nil {
				return finalText, err
			}

			break
		}

		// Pass through first, reconcile after.
		if err := writer.writeRaw(payload); err != nil {
			return finalText, err
		}

		var chunk ChunkEvent
		if err := json.Unmarshal([]byte(payload), &chunk); err == nil && chunk.Chunk != "" {
			streamed.WriteString(chunk.Chunk)

			continue
		}

		var final FinalEvent
		if err := json.Unmarshal([]byte(payload), &final); err == nil && final.Event == "final" {
			finalText = FinalText(streamed.String(), final.Data, selectedOutputs)
			r.persistFinal(ctx, executionID, finalText)
		}
	}

	return finalText, nil
}

// persistFinal patches the execution record with the computed final text.
// Persistence failures are logged, never propagated; the consumer already
// received their tokens.
func (r *Reconciler) persistFinal(ctx context.Context, executionID, finalText string) {
	if r.executions == nil {
		return
	}

	err := r.executions.PatchFinalOutput(ctx, executionID, map[string]any{"content": finalText})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist final output", "execution_id", executionID, "error", err)
	}
}

// FinalText derives the user-visible final text of a run. Without selected
// outputs it is exactly the streamed content. With selected outputs, each
// named block-output path is extracted from the outcome, non-string values
// render as fenced code blocks, and any formatted value textually identical
// to the streamed content (after trimming) is dropped to avoid showing the
// same answer twice.
func FinalText(streamed string, outcome FinalData, selectedOutputs []string) string {
	if len(selectedOutputs) == 0 {
		return streamed
	}

	parts := make([]string, 0, len(selectedOutputs)+1)
	trimmedStreamed := strings.TrimSpace(streamed)

	if trimmedStreamed != "" {
		parts = append(parts, streamed)
	}

	seen := map[string]bool{trimmedStreamed: true}

	for _, path := range selectedOutputs {
		value, ok := extractPath(outcome.Output, path)
		if !ok {
			continue
		}

		formatted := formatValue(value)

		trimmed := strings.TrimSpace(formatted)
		if trimmed == "" || seen[trimmed] {
			continue
		}

		seen[trimmed] = true
		parts = append(parts, formatted)
	}

	return strings.Join(parts, "\n\n")
}

// formatValue renders a selected output: strings pass through, everything
// else becomes a fenced JSON code block.
func formatValue(value any) string {
	if str, ok := value.(string); ok {
		return str
	}

	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", value))
	}

	return "```json\n" + string(encoded) + "\n```"
}

// extractPath resolves a dotted block-output path ("blockID.content.text")
// against the structured outcome.
func extractPath(output map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")

	var current any = output

	for _, segment := range segments {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = asMap[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// recordScanner splits an SSE byte stream into data payloads, preserving the
// record granularity of the source.
type recordScanner struct {
	scanner *bufio.Scanner
}

const maxRecordSize = 1 * 1024 * 1024

func newRecordScanner(src io.Reader) *recordScanner {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	return &recordScanner{scanner: scanner}
}

// next returns the next record's payload with the "data: " prefix stripped.
// Returns io.EOF at end of stream.
func (s *recordScanner) next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}

			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}

	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}

	return "", io.EOF
}
