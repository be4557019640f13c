package tracebus

import (
	"strings"

	"github.com/google/uuid"
)

func newSpanID() string {
	return "span_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// PushSpan opens a child span of the current one and returns its id.
func (b *Bus) PushSpan() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := newSpanID()
	b.spans = append(b.spans, id)
	return id
}

// PopSpan closes the current span and returns its id. The root span of the
// run is never popped; PopSpan returns "" when only the root is left.
func (b *Bus) PopSpan() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.spans) < 2 {
		return ""
	}
	id := b.spans[len(b.spans)-1]
	b.spans = b.spans[:len(b.spans)-1]
	return id
}

// CurrentSpanID returns the span stamped on the next event.
func (b *Bus) CurrentSpanID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spans[len(b.spans)-1]
}

// SpanDepth returns the number of open spans, root included.
func (b *Bus) SpanDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spans)
}
