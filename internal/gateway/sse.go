package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// SSEWriter writes frames as text/event-stream messages.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for streaming and writes the response header.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame writes f and flushes it to the client.
func (s *SSEWriter) WriteFrame(f domain.Frame) error {
	if err := domain.WriteSSE(s.w, f); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE streams runID to w until the stream ends or ctx is done.
func (g *Gateway) ServeSSE(ctx context.Context, w http.ResponseWriter, runID string, lastSeq int64) error {
	sw, err := NewSSEWriter(w)
	if err != nil {
		return err
	}
	return g.Connect(ctx, sw, runID, lastSeq)
}
