package eventstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// RegistryMetrics aggregates the counters of every live store.
type RegistryMetrics struct {
	Stores  int     `json:"stores"`
	Pending int     `json:"pending"`
	Swept   int64   `json:"swept"`
	Totals  Metrics `json:"totals"`
}

// Registry owns one Store per run. Stores are dropped by an explicit
// Release or by Sweep once their owner closed them or they went idle with
// an empty buffer. A closed store that could not write all of its events is
// kept as pending and retried by Sweep and CloseAll until it drains.
type Registry struct {
	repo   Repository
	cfg    Config
	logCtx context.Context

	mu      sync.Mutex
	stores  map[string]*Store
	pending map[string][]*Store
	// retired keeps the counters of stores that were removed.
	retired Metrics
	swept   atomic.Int64
}

// NewRegistry creates a registry whose stores write to repo.
func NewRegistry(logCtx context.Context, repo Repository, cfg Config) *Registry {
	return &Registry{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logCtx:  logCtx,
		stores:  make(map[string]*Store),
		pending: make(map[string][]*Store),
	}
}

// ForRun returns the store of runID, creating it when missing or closed.
func (r *Registry) ForRun(runID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.stores[runID]
	if ok && !old.Closed() {
		return old
	}
	if ok && old.Len() > 0 {
		r.parkLocked(old)
	}
	s := New(r.logCtx, runID, r.repo, r.cfg)
	r.stores[runID] = s
	return s
}

// Append buffers events in the store of runID.
func (r *Registry) Append(runID string, events []domain.TraceEvent) error {
	return r.ForRun(runID).AppendBatch(events)
}

// Get returns the store of runID if one is registered.
func (r *Registry) Get(runID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[runID]
	return s, ok
}

// Release closes the store of runID, flushing what it still buffers, and
// removes it from the registry. Events the flush could not write stay
// readable and are retried by Sweep and CloseAll.
func (r *Registry) Release(ctx context.Context, runID string) error {
	r.mu.Lock()
	s, ok := r.stores[runID]
	if ok {
		delete(r.stores, runID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.closeStore(ctx, s)
}

// closeStore closes s and retires it once it holds no uncommitted event.
// Otherwise s is parked as pending.
func (r *Registry) closeStore(ctx context.Context, s *Store) error {
	err := s.Close(ctx)
	left := s.Len()

	r.mu.Lock()
	defer r.mu.Unlock()
	if left > 0 {
		r.parkLocked(s)
		return err
	}
	r.unparkLocked(s)
	r.retireLocked(s)
	return err
}

// parkLocked keeps the closed store s readable until its events are written.
func (r *Registry) parkLocked(s *Store) {
	id := s.RunID()
	for _, p := range r.pending[id] {
		if p == s {
			return
		}
	}
	r.pending[id] = append(r.pending[id], s)
}

func (r *Registry) unparkLocked(s *Store) {
	id := s.RunID()
	list := r.pending[id]
	for i, p := range list {
		if p == s {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.pending, id)
		return
	}
	r.pending[id] = list
}

func (r *Registry) retireLocked(s *Store) {
	if s.retired {
		return
	}
	s.retired = true
	m := s.Metrics()
	m.Buffered = 0
	r.retired.add(m)
}

func (r *Registry) pendingLocked() []*Store {
	var stores []*Store
	for _, list := range r.pending {
		stores = append(stores, list...)
	}
	return stores
}

// retry closes pending stores again; those that drain are retired.
func (r *Registry) retry(ctx context.Context, pending []*Store) error {
	var errs []error
	for _, s := range pending {
		if err := r.closeStore(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep removes stores that were closed by their owner and closes stores
// that are idle with an empty buffer. It returns the number removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var victims []*Store
	for id, s := range r.stores {
		if s.Closed() || s.Idle(now) {
			victims = append(victims, s)
			delete(r.stores, id)
		}
	}
	pending := r.pendingLocked()
	r.mu.Unlock()

	for _, s := range victims {
		if err := r.closeStore(ctx, s); err != nil {
			log.Error(r.logCtx, err, log.KV{K: "msg", V: "failed to close idle store"}, log.KV{K: "run_id", V: s.RunID()})
		}
	}
	if err := r.retry(ctx, pending); err != nil {
		log.Error(r.logCtx, err, log.KV{K: "msg", V: "failed to write pending events"})
	}
	if len(victims) > 0 {
		r.swept.Add(int64(len(victims)))
		log.Info(r.logCtx, log.KV{K: "msg", V: "swept event stores"}, log.KV{K: "count", V: len(victims)})
	}
	return len(victims)
}

// Run sweeps every interval until ctx is done. It leaves the stores open;
// the owner closes them with CloseAll.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
		}
	}
}

// CloseAll closes and removes every store, then retries the pending ones.
// Stores that still cannot write stay pending and readable.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[string]*Store)
	pending := r.pendingLocked()
	r.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := r.closeStore(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.retry(ctx, pending))
	return errors.Join(errs...)
}

// storesFor returns the live and pending stores of runID.
func (r *Registry) storesFor(runID string) []*Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]*Store(nil), r.pending[runID]...)
	if s, ok := r.stores[runID]; ok {
		out = append(out, s)
	}
	return out
}

// GetEvents reads the events of runID from the repository merged with the
// events its live or pending store has not written yet.
func (r *Registry) GetEvents(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.TraceEvent, error) {
	stores := r.storesFor(runID)
	if len(stores) == 0 {
		return r.repo.GetEvents(ctx, runID, fromSeq, limit)
	}
	return readEvents(ctx, r.repo, runID, fromSeq, limit, stores...)
}

// GetRunSummary returns the summary of runID or nil if it has no events.
func (r *Registry) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	stores := r.storesFor(runID)
	if len(stores) == 0 {
		return r.repo.GetRunSummary(ctx, runID)
	}
	return readSummary(ctx, r.repo, runID, stores...)
}

// ListRuns returns the summaries of durable runs, most recent first.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	return r.repo.ListRunSummaries(ctx, limit)
}

// Metrics returns the counters of live stores added to those of removed
// stores.
func (r *Registry) Metrics() RegistryMetrics {
	r.mu.Lock()
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	live := len(stores)
	stores = append(stores, r.pendingLocked()...)
	totals := r.retired
	r.mu.Unlock()

	for _, s := range stores {
		totals.add(s.Metrics())
	}
	return RegistryMetrics{
		Stores:  live,
		Pending: len(stores) - live,
		Swept:   r.swept.Load(),
		Totals:  totals,
	}
}
