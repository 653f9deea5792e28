// Package stream adapts a running execution into the line-delimited SSE
// protocol consumed by chat clients, and reconciles the streamed content with
// the final persisted record.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DoneSentinel is the literal end-of-stream marker.
const DoneSentinel = "[DONE]"

// ChunkEvent carries one increment of streamed content.
type ChunkEvent struct {
	Chunk string `json:"chunk"`
}

// FinalData is the structured run outcome carried by the terminal event.
type FinalData struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output"`
}

// FinalEvent is the terminal event of a stream.
type FinalEvent struct {
	Event string    `json:"event"`
	Data  FinalData `json:"data"`
}

// Writer encodes events as SSE records ("data: <json>\n\n"), flushing after
// every record when the destination supports it.
type Writer struct {
	dst     io.Writer
	flusher http.Flusher
}

// NewWriter creates an SSE writer over dst.
func NewWriter(dst io.Writer) *Writer {
	writer := &Writer{dst: dst}

	if flusher, ok := dst.(http.Flusher); ok {
		writer.flusher = flusher
	}

	return writer
}

// WriteChunk emits one content increment.
func (w *Writer) WriteChunk(content string) error {
	return w.writeJSON(ChunkEvent{Chunk: content})
}

// WriteFinal emits the terminal outcome event.
func (w *Writer) WriteFinal(data FinalData) error {
	return w.writeJSON(FinalEvent{Event: "final", Data: data})
}

// WriteDone emits the end-of-stream sentinel.
func (w *Writer) WriteDone() error {
	return w.writeRaw(DoneSentinel)
}

func (w *Writer) writeJSON(event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}

	return w.writeRaw(string(payload))
}

func (w *Writer) writeRaw(payload string) error {
	if _, err := fmt.Fprintf(w.dst, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write stream record: %w", err)
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}

	return nil
}
