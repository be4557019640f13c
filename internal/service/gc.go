package service

import (
	"context"
	"runtime"
	"time"

	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// GCReport describes one garbage collection pass.
type GCReport struct {
	// Removed lists the runs dropped from memory.
	Removed []string `json:"removed"`
	// Inactive lists the unfinished runs failed for inactivity.
	Inactive []string `json:"inactive,omitempty"`
	// StoresSwept counts event stores released by the sweep.
	StoresSwept int `json:"stores_swept"`
	// FreedBytes is the drop of the live heap across the pass. It is
	// approximate and zero when nothing was removed.
	FreedBytes uint64    `json:"freed_bytes"`
	Duration   string    `json:"duration"`
	At         time.Time `json:"at"`
}

// CollectGarbage removes finished runs past their retention and fails then
// removes unfinished runs inactive past the inactivity timeout. With force,
// every finished run is removed regardless of retention.
func (s *Service) CollectGarbage(ctx context.Context, force bool) GCReport {
	start := s.now()
	report := GCReport{Removed: []string{}, At: start}

	type victim struct {
		rc       *runContext
		inactive bool
	}
	var victims []victim
	s.mu.Lock()
	for _, rc := range s.runs {
		rc.mu.Lock()
		switch {
		case rc.status.IsTerminal():
			if force || start.Sub(rc.completedAt) >= s.cfg.Retention {
				victims = append(victims, victim{rc: rc})
			}
		case start.Sub(rc.lastActivityAt) >= s.cfg.InactivityTimeout:
			victims = append(victims, victim{rc: rc, inactive: true})
		}
		rc.mu.Unlock()
	}
	s.mu.Unlock()

	var before runtime.MemStats
	if len(victims) > 0 {
		runtime.ReadMemStats(&before)
	}
	for _, v := range victims {
		if v.inactive && v.rc.transition(domain.RunStatusFailed, start) {
			v.rc.cancel()
			if err := v.rc.emitter.EmitRunFailed("run inactive", ""); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "failed to emit run_failed"}, log.KV{K: "run_id", V: v.rc.id})
			}
			s.failed.Add(1)
			report.Inactive = append(report.Inactive, v.rc.id)
		}
		if s.remove(ctx, v.rc.id) {
			report.Removed = append(report.Removed, v.rc.id)
		}
	}
	if len(report.Removed) > 0 {
		runtime.GC()
		var after runtime.MemStats
		runtime.ReadMemStats(&after)
		if before.HeapAlloc > after.HeapAlloc {
			report.FreedBytes = before.HeapAlloc - after.HeapAlloc
		}
	}

	report.StoresSwept = s.events.Sweep(ctx, start)
	report.Duration = s.now().Sub(start).String()

	s.gcRuns.Add(1)
	s.gcRemoved.Add(int64(len(report.Removed)))
	s.lastGC.Store(&report)
	log.Info(ctx,
		log.KV{K: "msg", V: "run garbage collection completed"},
		log.KV{K: "removed", V: len(report.Removed)},
		log.KV{K: "inactive", V: len(report.Inactive)},
		log.KV{K: "stores_swept", V: report.StoresSwept},
		log.KV{K: "freed_bytes", V: report.FreedBytes},
		log.KV{K: "forced", V: force},
	)
	return report
}

// RunGC collects garbage every GC interval until ctx is done.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectGarbage(ctx, false)
		}
	}
}
