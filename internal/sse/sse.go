// Package sse frames server-sent events onto HTTP responses. The stream
// orchestrator produces Event values; this package owns their wire form.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported means the response writer cannot flush, so an
// event stream cannot be served over it.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")

// Event is one server-sent event: an optional name and a JSON payload. An
// empty Name produces a bare data record, which clients deliver as the
// default message event. The JSON shape doubles as the WebSocket mirror
// format.
type Event struct {
	Name string      `json:"event,omitempty"`
	Data interface{} `json:"data"`
}

// Writer owns one text/event-stream response. Every event is flushed as
// soon as it is framed; nothing is buffered between chunks.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and sends the headers. Returns
// ErrStreamingUnsupported when w cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Send frames one event: "event: <name>" when the name is non-empty, then
// "data: <json>" and a blank line.
func (sw *Writer) Send(ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("sse: marshal %q event: %w", ev.Name, err)
	}

	if ev.Name != "" {
		if _, err := fmt.Fprintf(sw.w, "event: %s\n", ev.Name); err != nil {
			return fmt.Errorf("sse: write event line: %w", err)
		}
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("sse: write data line: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line. Used as a connection heartbeat;
// clients ignore it.
func (sw *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
