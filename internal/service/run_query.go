package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
)

// Run view sources.
const (
	SourceLive  = "live"
	SourceStore = "store"
)

// GetRun returns the live view of runID, or the view derived from its
// durable events once the run is no longer held in memory.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.RunView, error) {
	if rc := s.get(runID); rc != nil {
		return rc.view(), nil
	}
	summary, err := s.events.GetRunSummary(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run summary: %w", err)
	}
	if summary == nil {
		return nil, ErrRunNotFound
	}
	return summaryView(*summary), nil
}

// ListRuns returns live runs followed by durable runs no longer in memory,
// most recent first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.RunView, error) {
	s.mu.Lock()
	live := make([]*runContext, 0, len(s.runs))
	for _, rc := range s.runs {
		live = append(live, rc)
	}
	s.mu.Unlock()

	views := make([]domain.RunView, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, rc := range live {
		views = append(views, *rc.view())
		seen[rc.id] = true
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(*views[j].CreatedAt)
	})

	summaries, err := s.events.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	for _, sum := range summaries {
		if !seen[sum.RunID] {
			views = append(views, *summaryView(sum))
		}
	}
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func (rc *runContext) view() *domain.RunView {
	snap := rc.progress.Snapshot()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	created, active := rc.createdAt, rc.lastActivityAt
	v := &domain.RunView{
		RunID:          rc.id,
		Status:         rc.status,
		Source:         SourceLive,
		Prompt:         rc.request.Prompt,
		Progress:       snap.Progress,
		Phase:          snap.Phase,
		Metrics:        &snap,
		Artifacts:      rc.emitter.Artifacts(),
		CreatedAt:      &created,
		LastActivityAt: &active,
		LastSeq:        rc.emitter.Seq(),
	}
	if !rc.completedAt.IsZero() {
		completed := rc.completedAt
		v.CompletedAt = &completed
	}
	return v
}

func summaryView(sum domain.RunSummary) *domain.RunView {
	v := &domain.RunView{
		RunID:       sum.RunID,
		Status:      sum.Status,
		Source:      SourceStore,
		Phase:       sum.LastPhase,
		CreatedAt:   sum.StartedAt,
		CompletedAt: sum.EndedAt,
		EventCount:  sum.EventCount,
		LastSeq:     sum.LastSeq,
	}
	if sum.Status == domain.RunStatusCompleted {
		v.Progress = 100
	}
	return v
}

// Metrics is a snapshot of controller counters.
type Metrics struct {
	MaxConcurrent int                        `json:"max_concurrent"`
	Registered    int                        `json:"registered"`
	Pending       int                        `json:"pending"`
	Running       int                        `json:"running"`
	Created       int64                      `json:"created"`
	Completed     int64                      `json:"completed"`
	Failed        int64                      `json:"failed"`
	Cancelled     int64                      `json:"cancelled"`
	Rejected      int64                      `json:"rejected"`
	GCRuns        int64                      `json:"gc_runs"`
	GCRemoved     int64                      `json:"gc_removed"`
	LastGC        *GCReport                  `json:"last_gc,omitempty"`
	Gateway       gateway.Metrics            `json:"gateway"`
	EventStore    eventstore.RegistryMetrics `json:"event_store"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

// Metrics returns controller, gateway and event store counters.
func (s *Service) Metrics() Metrics {
	m := Metrics{
		MaxConcurrent: s.cfg.MaxConcurrent,
		Created:       s.created.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Cancelled:     s.cancelled.Load(),
		Rejected:      s.rejected.Load(),
		GCRuns:        s.gcRuns.Load(),
		GCRemoved:     s.gcRemoved.Load(),
		LastGC:        s.lastGC.Load(),
		Gateway:       s.gateway.Metrics(),
		EventStore:    s.events.Metrics(),
		CollectedAt:   s.now(),
	}

	s.mu.Lock()
	m.Registered = len(s.runs)
	for _, rc := range s.runs {
		switch rc.Status() {
		case domain.RunStatusPending:
			m.Pending++
		case domain.RunStatusRunning:
			m.Running++
		}
	}
	s.mu.Unlock()
	return m
}
