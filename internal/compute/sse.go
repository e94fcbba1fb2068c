package compute

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamEvent is one decoded server-sent event from the job stream. A single
// event may carry several output chunks; the terminal event carries the
// final status and closes the sequence.
type StreamEvent struct {
	Status RemoteStatus
	Chunks []json.RawMessage
	Output json.RawMessage
	Error  string
}

// Terminal reports whether this event is the stream's explicit end marker.
func (e StreamEvent) Terminal() bool {
	return e.Status.Terminal()
}

// StreamReader decodes server-sent events off a live response body. Next
// blocks on the wire; closing the reader unblocks it. A plain io.EOF before
// a terminal event means the channel closed without an end marker.
type StreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewStreamReader wraps a live event-stream body. Tests feed it in-memory
// readers; the client feeds it response bodies.
func NewStreamReader(body io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	return &StreamReader{body: body, scanner: scanner}
}

// Next returns the next event or io.EOF once the wire is drained.
func (r *StreamReader) Next() (StreamEvent, error) {
	if r == nil || r.scanner == nil {
		return StreamEvent{}, fmt.Errorf("stream reader not initialized")
	}
	var data strings.Builder
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			return decodeStreamEvent(data.String())
		case strings.HasPrefix(line, ":"):
			// heartbeat comment, keepalive only
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields carry nothing we need
		}
	}
	if err := r.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	if data.Len() > 0 {
		return decodeStreamEvent(data.String())
	}
	return StreamEvent{}, io.EOF
}

func (r *StreamReader) Close() error {
	if r == nil || r.body == nil {
		return nil
	}
	return r.body.Close()
}

type streamEventWire struct {
	Status string `json:"status"`
	Stream []struct {
		Output json.RawMessage `json:"output"`
	} `json:"stream"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func decodeStreamEvent(payload string) (StreamEvent, error) {
	var wire streamEventWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	event := StreamEvent{
		Status: RemoteStatus(strings.ToUpper(strings.TrimSpace(wire.Status))),
		Output: wire.Output,
		Error:  wire.Error,
	}
	for _, chunk := range wire.Stream {
		if len(chunk.Output) > 0 {
			event.Chunks = append(event.Chunks, chunk.Output)
		}
	}
	return event, nil
}
