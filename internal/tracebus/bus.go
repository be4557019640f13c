// Package tracebus records the ordered trace of a run and fans it out to
// subscribers in micro-batches.
package tracebus

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

var (
	// ErrBusClosed is returned when emitting on a destroyed bus.
	ErrBusClosed = errors.New("trace bus is closed")
	// ErrInvalidEvent is returned when an event fails schema validation.
	ErrInvalidEvent = errors.New("invalid trace event")
)

// DefaultAgent is stamped on events that do not name an agent.
const DefaultAgent = "orchestrator"

type (
	// Listener receives published events in seq order. The slice is shared
	// between listeners and must not be modified.
	Listener func(events []domain.TraceEvent)

	// Config tunes the micro-batching of a bus.
	Config struct {
		// FlushInterval is the period of the publication timer.
		FlushInterval time.Duration
		// FlushSize releases the buffer as soon as it holds that many events.
		FlushSize int
		// Agent is the default agent name stamped on events.
		Agent string
	}

	// Bus is the per-run trace bus. It owns the seq counter and the span
	// stack of its run.
	Bus struct {
		runID   string
		traceID string
		cfg     Config
		now     func() time.Time

		mu     sync.Mutex
		seq    int64
		spans  []string
		phase  domain.Phase
		buffer []domain.TraceEvent
		closed bool

		// deliverMu keeps batches in seq order across concurrent flushes.
		deliverMu sync.Mutex
		subsMu    sync.RWMutex
		subs      []*Subscription

		stop        chan struct{}
		done        chan struct{}
		destroyOnce sync.Once
	}

	// Subscription is the handle returned by Subscribe.
	Subscription struct {
		bus      *Bus
		listener Listener
		once     sync.Once
	}
)

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 50 * time.Millisecond,
		FlushSize:     25,
		Agent:         DefaultAgent,
	}
}

// New creates the bus of runID and starts its flush timer. A root span
// representing the run is pushed and is never popped.
func New(runID string, cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = def.FlushSize
	}
	if cfg.Agent == "" {
		cfg.Agent = def.Agent
	}
	b := &Bus{
		runID:   runID,
		traceID: uuid.New().String(),
		cfg:     cfg,
		now:     time.Now,
		spans:   []string{newSpanID()},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// RunID returns the run the bus belongs to.
func (b *Bus) RunID() string { return b.runID }

// TraceID returns the trace id stamped on every event of the bus.
func (b *Bus) TraceID() string { return b.traceID }

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Subscribe registers l for every batch published after this call.
func (b *Bus) Subscribe(l Listener) (*Subscription, error) {
	if l == nil {
		return nil, errors.New("listener is required")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}
	s := &Subscription{bus: b, listener: l}
	b.subsMu.Lock()
	b.subs = append(b.subs, s)
	b.subsMu.Unlock()
	return s, nil
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.subsMu.Lock()
		for i, sub := range b.subs {
			if sub == s {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
		b.subsMu.Unlock()
	})
	return nil
}

// Flush releases buffered events to the subscribers.
func (b *Bus) Flush() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	b.subsMu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.subsMu.RUnlock()
	for _, s := range subs {
		s.listener(batch)
	}
}

// Destroy stops the flush timer, publishes what is left and detaches every
// listener. Later emits fail with ErrBusClosed.
func (b *Bus) Destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stop)
		<-b.done
		b.Flush()

		b.subsMu.Lock()
		b.subs = nil
		b.subsMu.Unlock()
	})
}

// Closed reports whether Destroy was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// fields are the caller-provided parts of an event.
type fields struct {
	eventType domain.EventType
	phase     domain.Phase
	nodeID    string
	attempt   int
	agent     string
	message   string
	status    string
	progress  *float64
	metrics   map[string]any
	evidence  map[string]any

	pushSpan  bool
	popSpan   bool
	immediate bool
}

// emit stamps, validates and buffers one event. Invalid events do not
// consume a seq and leave the span stack untouched.
func (b *Bus) emit(f fields) (domain.TraceEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.TraceEvent{}, ErrBusClosed
	}

	if f.pushSpan {
		b.spans = append(b.spans, newSpanID())
	}
	phase := f.phase
	if phase == "" {
		phase = b.phase
	}
	attempt := f.attempt
	if attempt < 1 {
		attempt = 1
	}
	agent := f.agent
	if agent == "" {
		agent = b.cfg.Agent
	}
	node := f.nodeID
	if node == "" {
		node = string(phase)
	}
	if node == "" {
		node = "run"
	}

	ev := domain.TraceEvent{
		RunID:        b.runID,
		Seq:          b.seq + 1,
		TraceID:      b.traceID,
		SpanID:       b.spans[len(b.spans)-1],
		ParentSpanID: b.parentSpanLocked(),
		NodeID:       node,
		AttemptID:    strconv.Itoa(attempt),
		Agent:        agent,
		EventType:    f.eventType,
		Phase:        phase,
		Message:      f.message,
		Status:       f.status,
		Progress:     f.progress,
		Metrics:      f.metrics,
		Evidence:     f.evidence,
		Ts:           b.now().UnixMilli(),
	}
	if err := ValidateEvent(ev); err != nil {
		if f.pushSpan {
			b.spans = b.spans[:len(b.spans)-1]
		}
		b.mu.Unlock()
		return ev, err
	}

	b.seq = ev.Seq
	if f.eventType == domain.EventTypePhaseStarted {
		b.phase = f.phase
	}
	if f.popSpan && len(b.spans) > 1 {
		b.spans = b.spans[:len(b.spans)-1]
	}
	b.buffer = append(b.buffer, ev)
	flushNow := f.immediate || len(b.buffer) >= b.cfg.FlushSize
	b.mu.Unlock()

	if flushNow {
		b.Flush()
	}
	return ev, nil
}

func (b *Bus) parentSpanLocked() string {
	if len(b.spans) < 2 {
		return ""
	}
	return b.spans[len(b.spans)-2]
}

func ptr(v float64) *float64 { return &v }
