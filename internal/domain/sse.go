package domain

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame event names that are not trace event types.
const (
	FrameEventStreamEnd = "stream_end"
	FrameEventConnected = "connected"
)

// Frame is one message of the run event stream.
type Frame struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// FrameFromEvent builds the stream frame carrying a trace event.
func FrameFromEvent(ev TraceEvent) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return Frame{ID: ev.Seq, Event: string(ev.EventType), Data: data}, nil
}

// ConnectedData is the payload of the synthetic heartbeat sent on connect.
type ConnectedData struct {
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	ClientID string `json:"client_id"`
	LastSeq  int64  `json:"last_seq"`
	Ts       int64  `json:"ts"`
}

// StreamEndData is the payload of the frame closing a stream.
type StreamEndData struct {
	RunID   string `json:"run_id"`
	Reason  string `json:"reason"`
	LastSeq int64  `json:"last_seq"`
}

// WriteSSE writes f in text/event-stream format:
// id: <seq>\nevent: <event_type>\ndata: <json>\n\n
func WriteSSE(w io.Writer, f Frame) error {
	if _, err := fmt.Fprintf(w, "id: %d\n", f.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	return nil
}
