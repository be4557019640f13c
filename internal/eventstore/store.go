// Package eventstore buffers trace events and persists them in batches.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	store "github.com/Carrerajorge/Hola-sub007/internal/repository"
)

var (
	// ErrStoreClosed is returned when appending to a closed store.
	ErrStoreClosed = errors.New("event store is closed")
	// ErrRetriesExhausted wraps the last transient error of a batch that
	// could not be written within the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

type (
	// Repository is the durable side of the store.
	Repository interface {
		InsertEvents(ctx context.Context, events []domain.TraceEvent) (int64, error)
		GetEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.TraceEvent, error)
		GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error)
		ListRunSummaries(ctx context.Context, limit int) ([]domain.RunSummary, error)
	}

	// Config tunes buffering, retry and eviction.
	Config struct {
		// BatchSize triggers a flush once that many events are buffered.
		BatchSize int
		// FlushInterval is the period of the background flush.
		FlushInterval time.Duration
		// MaxBuffer caps buffered events; above it the oldest tenth is evicted.
		MaxBuffer int
		// MaxRetries is the number of retries after the first failed write.
		MaxRetries int
		// Backoff is the wait before each retry. The last entry is reused
		// when MaxRetries exceeds its length.
		Backoff []time.Duration
		// IdleTimeout is the inactivity after which an empty store is swept.
		IdleTimeout time.Duration
		// Retryable classifies write errors. Defaults to store.IsRetryable.
		Retryable func(error) bool
	}

	// Metrics is a snapshot of store counters.
	Metrics struct {
		Appended     int64 `json:"appended"`
		Flushed      int64 `json:"flushed"`
		Duplicates   int64 `json:"duplicates"`
		Evicted      int64 `json:"evicted"`
		Retries      int64 `json:"retries"`
		Requeued     int64 `json:"requeued"`
		FailedEvents int64 `json:"failed_events"`
		Flushes      int64 `json:"flushes"`
		Buffered     int   `json:"buffered"`
	}

	// Store buffers the events of one run and writes them in batches.
	Store struct {
		runID  string
		repo   Repository
		cfg    Config
		logCtx context.Context

		mu     sync.Mutex
		buffer []domain.TraceEvent
		// inflight is the batch being written by Flush. It stays readable
		// until the write commits or is requeued.
		inflight     []domain.TraceEvent
		lastActivity time.Time
		closed       bool

		// flushMu serializes writes so requeued batches keep their order.
		flushMu sync.Mutex
		flushCh chan struct{}
		stop    chan struct{}
		done    chan struct{}
		once    sync.Once
		// retired is guarded by the owning Registry's mu.
		retired bool

		appended     atomic.Int64
		flushed      atomic.Int64
		duplicates   atomic.Int64
		evicted      atomic.Int64
		retries      atomic.Int64
		requeued     atomic.Int64
		failedEvents atomic.Int64
		flushes      atomic.Int64
	}
)

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		FlushInterval: time.Second,
		MaxBuffer:     10000,
		MaxRetries:    3,
		Backoff:       []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
		IdleTimeout:   5 * time.Minute,
		Retryable:     store.IsRetryable,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = def.MaxBuffer
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if len(c.Backoff) == 0 {
		c.Backoff = def.Backoff
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.Retryable == nil {
		c.Retryable = def.Retryable
	}
	return c
}

// New creates the store of runID and starts its flush loop. logCtx carries
// the logger used by the background loop.
func New(logCtx context.Context, runID string, repo Repository, cfg Config) *Store {
	s := &Store{
		runID:        runID,
		repo:         repo,
		cfg:          cfg.withDefaults(),
		logCtx:       logCtx,
		lastActivity: time.Now(),
		flushCh:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.loop()
	return s
}

// RunID returns the run the store buffers.
func (s *Store) RunID() string { return s.runID }

// Append buffers one event. Live-only events are ignored.
func (s *Store) Append(ev domain.TraceEvent) error {
	return s.AppendBatch([]domain.TraceEvent{ev})
}

// AppendBatch buffers events, evicting the oldest buffered events when the
// buffer grows past MaxBuffer.
func (s *Store) AppendBatch(events []domain.TraceEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var added int64
	for _, ev := range events {
		if !ev.EventType.IsPersisted() {
			continue
		}
		s.buffer = append(s.buffer, ev)
		added++
	}
	s.lastActivity = time.Now()
	s.evictLocked()
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	s.appended.Add(added)
	if full {
		s.signal()
	}
	return nil
}

// evictLocked drops the oldest tenth of the buffer, at least one event,
// while it is over capacity.
func (s *Store) evictLocked() {
	for len(s.buffer) > s.cfg.MaxBuffer {
		n := len(s.buffer) / 10
		if n < 1 {
			n = 1
		}
		dropped := s.buffer[:n]
		s.buffer = append([]domain.TraceEvent(nil), s.buffer[n:]...)
		s.evicted.Add(int64(n))
		log.Warn(s.logCtx,
			log.KV{K: "msg", V: "event buffer over capacity, evicting oldest events"},
			log.KV{K: "run_id", V: s.runID},
			log.KV{K: "evicted", V: n},
			log.KV{K: "first_seq", V: dropped[0].Seq},
		)
	}
}

func (s *Store) signal() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.flushCh:
		}
		if err := s.Flush(s.logCtx); err != nil {
			log.Error(s.logCtx, err, log.KV{K: "msg", V: "event flush failed"}, log.KV{K: "run_id", V: s.runID})
		}
	}
}

type runGroup struct {
	runID  string
	events []domain.TraceEvent
}

func groupByRun(events []domain.TraceEvent) []runGroup {
	var groups []runGroup
	index := make(map[string]int)
	for _, ev := range events {
		i, ok := index[ev.RunID]
		if !ok {
			i = len(groups)
			index[ev.RunID] = i
			groups = append(groups, runGroup{runID: ev.RunID})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

// Flush writes the buffered events, one batched insert per run. Groups
// that still fail after the retry budget are put back at the front of the
// buffer; groups failing with a non-retryable error are dropped and counted
// in FailedEvents.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.inflight = batch
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	s.flushes.Add(1)

	var requeue []domain.TraceEvent
	var errs []error
	for _, g := range groupByRun(batch) {
		keep, err := s.writeGroup(ctx, g)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if keep {
			requeue = append(requeue, g.events...)
		} else {
			s.failedEvents.Add(int64(len(g.events)))
		}
	}

	s.mu.Lock()
	s.inflight = nil
	if len(requeue) > 0 {
		s.buffer = append(requeue, s.buffer...)
		s.evictLocked()
	}
	s.mu.Unlock()
	if len(requeue) > 0 {
		s.requeued.Add(int64(len(requeue)))
	}
	return errors.Join(errs...)
}

// writeGroup inserts one run group, retrying transient errors. keep is true
// when the group should be requeued.
func (s *Store) writeGroup(ctx context.Context, g runGroup) (keep bool, err error) {
	for attempt := 0; ; attempt++ {
		n, err := s.repo.InsertEvents(ctx, g.events)
		if err == nil {
			s.flushed.Add(n)
			s.duplicates.Add(int64(len(g.events)) - n)
			return false, nil
		}
		if !s.cfg.Retryable(err) {
			return false, goerr.Wrap(err, "failed to persist events",
				goerr.V("run_id", g.runID), goerr.V("batch_size", len(g.events)), goerr.V("attempt", attempt+1))
		}
		if attempt >= s.cfg.MaxRetries {
			return true, goerr.Wrap(fmt.Errorf("%w: %w", ErrRetriesExhausted, err), "failed to persist events",
				goerr.V("run_id", g.runID), goerr.V("batch_size", len(g.events)), goerr.V("attempt", attempt+1))
		}

		s.retries.Add(1)
		wait := s.cfg.Backoff[min(attempt, len(s.cfg.Backoff)-1)]
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true, goerr.Wrap(ctx.Err(), "flush interrupted", goerr.V("run_id", g.runID))
		case <-timer.C:
		}
	}
}

// GetEvents returns the events of runID with seq > fromSeq in seq order,
// merging durable rows with events that are buffered or being written.
func (s *Store) GetEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.TraceEvent, error) {
	return readEvents(ctx, s.repo, runID, fromSeq, limit, s)
}

// GetRunSummary derives the run summary from durable and buffered events.
// It returns nil when the run has no event at all.
func (s *Store) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	return readSummary(ctx, s.repo, runID, s)
}

// readEvents snapshots the pending events of stores before reading the
// repository, so an event that commits in between is found on one side.
func readEvents(ctx context.Context, repo Repository, runID string, fromSeq int64, limit int, stores ...*Store) ([]domain.TraceEvent, error) {
	var pending []domain.TraceEvent
	for _, s := range stores {
		pending = append(pending, s.buffered(runID, fromSeq)...)
	}
	durable, err := repo.GetEvents(ctx, runID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return mergeEvents(durable, pending, limit), nil
}

func readSummary(ctx context.Context, repo Repository, runID string, stores ...*Store) (*domain.RunSummary, error) {
	var pending []domain.TraceEvent
	for _, s := range stores {
		pending = append(pending, s.buffered(runID, 0)...)
	}
	durable, err := repo.GetRunSummary(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run summary: %w", err)
	}
	return mergeSummary(runID, durable, mergeEvents(nil, pending, 0)), nil
}

// buffered returns the in-flight and buffered events of runID after fromSeq.
func (s *Store) buffered(runID string, fromSeq int64) []domain.TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TraceEvent
	for _, events := range [][]domain.TraceEvent{s.inflight, s.buffer} {
		for _, ev := range events {
			if ev.RunID == runID && ev.Seq > fromSeq {
				out = append(out, ev)
			}
		}
	}
	return out
}

func mergeEvents(durable, buffered []domain.TraceEvent, limit int) []domain.TraceEvent {
	if len(buffered) == 0 {
		return durable
	}
	seen := make(map[int64]struct{}, len(durable))
	for _, ev := range durable {
		seen[ev.Seq] = struct{}{}
	}
	out := durable
	for _, ev := range buffered {
		if _, ok := seen[ev.Seq]; ok {
			continue
		}
		seen[ev.Seq] = struct{}{}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func mergeSummary(runID string, durable *domain.RunSummary, buffered []domain.TraceEvent) *domain.RunSummary {
	if durable == nil && len(buffered) == 0 {
		return nil
	}
	sum := domain.RunSummary{RunID: runID}
	var started, completed, failed, cancelled bool
	if durable != nil {
		sum = *durable
		started = durable.Status != domain.RunStatusPending
		completed = durable.Status == domain.RunStatusCompleted
		failed = durable.Status == domain.RunStatusFailed
		cancelled = durable.Status == domain.RunStatusCancelled
	}
	for _, ev := range buffered {
		if ev.Seq <= sum.LastSeq && durable != nil {
			continue
		}
		sum.EventCount++
		if ev.Seq > sum.LastSeq {
			sum.LastSeq = ev.Seq
		}
		if ev.Phase != "" {
			sum.LastPhase = ev.Phase
		}
		ts := time.UnixMilli(ev.Ts)
		switch ev.EventType {
		case domain.EventTypeRunStarted:
			started = true
			if sum.StartedAt == nil {
				sum.StartedAt = &ts
			}
		case domain.EventTypeRunCompleted:
			completed = true
			sum.EndedAt = &ts
		case domain.EventTypeRunFailed:
			failed = true
			sum.EndedAt = &ts
		case domain.EventTypeRunCancelled:
			cancelled = true
			sum.EndedAt = &ts
		}
	}
	sum.Status = domain.StatusFromMarkers(started, completed, failed, cancelled)
	return &sum
}

// Len returns the number of events not yet committed, counting those of a
// write in progress.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) + len(s.inflight)
}

// Idle reports whether the store holds no uncommitted event and has seen no
// activity for IdleTimeout.
func (s *Store) Idle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)+len(s.inflight) == 0 && now.Sub(s.lastActivity) >= s.cfg.IdleTimeout
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the flush loop and writes what is left. It is safe to call
// more than once; every call retries the events a previous close could not
// write.
func (s *Store) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		<-s.done
	})
	return s.Flush(ctx)
}

// Metrics returns a snapshot of the store counters.
func (s *Store) Metrics() Metrics {
	return Metrics{
		Appended:     s.appended.Load(),
		Flushed:      s.flushed.Load(),
		Duplicates:   s.duplicates.Load(),
		Evicted:      s.evicted.Load(),
		Retries:      s.retries.Load(),
		Requeued:     s.requeued.Load(),
		FailedEvents: s.failedEvents.Load(),
		Flushes:      s.flushes.Load(),
		Buffered:     s.Len(),
	}
}

func (m *Metrics) add(o Metrics) {
	m.Appended += o.Appended
	m.Flushed += o.Flushed
	m.Duplicates += o.Duplicates
	m.Evicted += o.Evicted
	m.Retries += o.Retries
	m.Requeued += o.Requeued
	m.FailedEvents += o.FailedEvents
	m.Flushes += o.Flushes
	m.Buffered += o.Buffered
}
