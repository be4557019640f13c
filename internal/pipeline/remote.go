package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoResult is returned when a remote stream ends without a done event.
var ErrNoResult = errors.New("pipeline stream ended without result")

// Remote stream event names besides the signal kinds.
const (
	eventDone  = "done"
	eventError = "error"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// RemoteJob runs the pipeline on a remote worker. The worker answers
// POST <endpoint>/run with an SSE stream whose event names are signal kinds,
// terminated by a done event carrying the Result or an error event.
type RemoteJob struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemoteJob creates a job invoking the worker at endpoint.
func NewRemoteJob(endpoint string, timeout time.Duration) *RemoteJob {
	return &RemoteJob{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Job = (*RemoteJob)(nil)

// Run implements Job.
func (j *RemoteJob) Run(ctx context.Context, req RunRequest, signals chan<- Signal) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", req.RunID)

	resp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke pipeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("pipeline returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result *Result
	err = ParseSSE(resp.Body, func(ev SSEEvent) error {
		switch ev.Event {
		case eventDone:
			var r Result
			if err := json.Unmarshal([]byte(ev.Data), &r); err != nil {
				return fmt.Errorf("failed to parse done event: %w", err)
			}
			result = &r
			return io.EOF
		case eventError:
			var e struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil || e.Error == "" {
				return fmt.Errorf("pipeline failed: %s", ev.Data)
			}
			return fmt.Errorf("pipeline failed: %s", e.Error)
		}
		var s Signal
		if err := json.Unmarshal([]byte(ev.Data), &s); err != nil {
			return fmt.Errorf("failed to parse %s signal: %w", ev.Event, err)
		}
		if s.Kind == "" {
			s.Kind = SignalKind(ev.Event)
		}
		return Send(ctx, signals, s)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

// ParseSSE parses an SSE stream and calls handler for each event. It stops
// at the first handler error and returns it.
func ParseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
