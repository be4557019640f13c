package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/progress"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
)

// runContext is the in-memory state of one run.
type runContext struct {
	id       string
	request  pipeline.RunRequest
	emitter  *tracebus.Emitter
	progress *progress.Model
	guard    *contract.Guard
	cancel   context.CancelFunc
	jobCtx   context.Context

	mu             sync.Mutex
	status         domain.RunStatus
	createdAt      time.Time
	completedAt    time.Time
	lastActivityAt time.Time
	cleanup        *time.Timer
}

// transition moves the run to status. Only pending->running and moves
// from a non-terminal status to a terminal one are allowed.
func (rc *runContext) transition(to domain.RunStatus, now time.Time) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.status.IsTerminal() {
		return false
	}
	if to == domain.RunStatusRunning && rc.status != domain.RunStatusPending {
		return false
	}
	rc.status = to
	rc.lastActivityAt = now
	if to.IsTerminal() {
		rc.completedAt = now
	}
	return true
}

func (rc *runContext) touch(now time.Time) {
	rc.mu.Lock()
	rc.lastActivityAt = now
	rc.mu.Unlock()
}

func (rc *runContext) Status() domain.RunStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.status
}

// CreateRun admits a run and starts its job. It returns a *CapacityError
// when the concurrency cap is reached.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.CreateRunResponse, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrPromptRequired
	}
	target := req.TargetCount
	if target <= 0 {
		target = s.cfg.DefaultTargetCount
	}

	c := s.cfg.Contract
	if req.YearStart > 0 {
		c.YearStart = req.YearStart
	}
	if req.YearEnd > 0 {
		c.YearEnd = req.YearEnd
	}

	runID := "run_" + uuid.New().String()[:8]
	now := s.now()
	emitter := tracebus.NewEmitter(runID, s.cfg.Bus)
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(s.logCtx), s.cfg.JobTimeout)
	rc := &runContext{
		id: runID,
		request: pipeline.RunRequest{
			RunID:       runID,
			Prompt:      prompt,
			TargetCount: target,
			YearStart:   req.YearStart,
			YearEnd:     req.YearEnd,
		},
		emitter: emitter,
		progress: progress.New(progress.Config{
			TargetCount: target,
			Weights:     s.cfg.Weights,
			Delta:       s.cfg.ProgressDelta,
		}, emitter),
		guard:          contract.NewGuard(c, s.policy, emitter),
		cancel:         cancel,
		jobCtx:         jobCtx,
		status:         domain.RunStatusPending,
		createdAt:      now,
		lastActivityAt: now,
	}

	s.mu.Lock()
	if current := s.activeLocked(); current >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		cancel()
		emitter.Destroy()
		s.rejected.Add(1)
		return nil, &CapacityError{Max: s.cfg.MaxConcurrent, Current: current, RetryAfter: s.cfg.RetryAfter}
	}
	s.runs[runID] = rc
	s.mu.Unlock()

	if err := s.gateway.RegisterRun(runID, emitter); err != nil {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
		cancel()
		emitter.Destroy()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}

	s.created.Add(1)
	log.Info(ctx,
		log.KV{K: "msg", V: "run created"},
		log.KV{K: "run_id", V: runID},
		log.KV{K: "target_count", V: target},
	)

	s.wg.Add(1)
	go s.drive(rc)

	return &domain.CreateRunResponse{
		RunID:     runID,
		Status:    domain.RunStatusPending,
		StreamURL: "/runs/" + runID + "/events",
		CreatedAt: now,
	}, nil
}

// activeLocked counts pending and running runs. s.mu must be held.
func (s *Service) activeLocked() int {
	n := 0
	for _, rc := range s.runs {
		if !rc.Status().IsTerminal() {
			n++
		}
	}
	return n
}

// drive runs the job of rc and settles the run.
func (s *Service) drive(rc *runContext) {
	defer s.wg.Done()
	defer rc.cancel()

	if !rc.transition(domain.RunStatusRunning, s.now()) {
		return
	}
	if err := rc.emitter.EmitRunStarted(rc.request.Prompt, rc.request.TargetCount); err != nil {
		log.Error(s.logCtx, err, log.KV{K: "msg", V: "failed to emit run_started"}, log.KV{K: "run_id", V: rc.id})
	}

	signals := make(chan pipeline.Signal, s.cfg.SignalBuffer)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for sig := range signals {
			s.applySignal(rc, sig)
		}
	}()

	result, err := s.runJob(rc, signals)
	close(signals)
	<-consumed

	s.settle(rc, result, err)
}

// runJob calls the job and turns a panic into a *PanicError.
func (s *Service) runJob(rc *runContext, signals chan<- pipeline.Signal) (res *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: redactedStack(3, maxStackFrames)}
		}
	}()
	return s.job.Run(rc.jobCtx, rc.request, signals)
}

// settle moves a run whose job returned to its terminal status.
func (s *Service) settle(rc *runContext, result *pipeline.Result, jobErr error) {
	if rc.Status().IsTerminal() {
		return
	}

	if jobErr == nil && result == nil {
		jobErr = errors.New("job returned no result")
	}
	if jobErr != nil {
		s.fail(rc, jobErr)
		return
	}

	res, err := rc.guard.ValidateBatch(rc.jobCtx, result.Records)
	if err != nil {
		s.fail(rc, fmt.Errorf("contract check failed: %w", err))
		return
	}
	if !rc.guard.CanComplete() {
		reasons := make([]string, 0, len(res.Errors()))
		for _, v := range res.Errors() {
			reasons = append(reasons, v.Reason)
		}
		s.fail(rc, fmt.Errorf("contract not satisfied: %s", strings.Join(reasons, "; ")))
		return
	}

	if !rc.transition(domain.RunStatusCompleted, s.now()) {
		return
	}
	rc.progress.Complete()
	summary := result.Summary
	if summary == "" {
		summary = fmt.Sprintf("%d records", len(result.Records))
	}
	if err := rc.emitter.EmitRunCompleted(summary); err != nil {
		log.Error(s.logCtx, err, log.KV{K: "msg", V: "failed to emit run_completed"}, log.KV{K: "run_id", V: rc.id})
	}
	s.completed.Add(1)
	log.Info(s.logCtx,
		log.KV{K: "msg", V: "run completed"},
		log.KV{K: "run_id", V: rc.id},
		log.KV{K: "records", V: len(result.Records)},
	)
	s.scheduleCleanup(rc)
}

func (s *Service) fail(rc *runContext, cause error) {
	if !rc.transition(domain.RunStatusFailed, s.now()) {
		return
	}
	var stack string
	var pe *PanicError
	if errors.As(cause, &pe) {
		stack = pe.Stack
	}
	if err := rc.emitter.EmitRunFailed(cause.Error(), stack); err != nil {
		log.Error(s.logCtx, err, log.KV{K: "msg", V: "failed to emit run_failed"}, log.KV{K: "run_id", V: rc.id})
	}
	s.failed.Add(1)
	log.Error(s.logCtx, cause, log.KV{K: "msg", V: "run failed"}, log.KV{K: "run_id", V: rc.id})
	s.scheduleCleanup(rc)
}

// CancelRun cancels a pending or running run. The job sees its context
// cancelled; the run stays registered for the cleanup delay.
func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.CancelRunResponse, error) {
	rc := s.get(runID)
	if rc == nil {
		summary, err := s.events.GetRunSummary(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
		if summary != nil && summary.Status.IsTerminal() {
			return nil, ErrRunTerminal
		}
		return nil, ErrRunNotFound
	}
	if !rc.transition(domain.RunStatusCancelled, s.now()) {
		return nil, ErrRunTerminal
	}
	rc.cancel()
	if err := rc.emitter.RunCancelled("cancelled by user"); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "failed to emit run_cancelled"}, log.KV{K: "run_id", V: runID})
	}
	s.cancelled.Add(1)
	log.Info(ctx, log.KV{K: "msg", V: "run cancelled"}, log.KV{K: "run_id", V: runID})
	s.scheduleCleanup(rc)

	return &domain.CancelRunResponse{RunID: runID, Status: domain.RunStatusCancelled}, nil
}

func (s *Service) get(runID string) *runContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

// scheduleCleanup removes rc after the cleanup delay.
func (s *Service) scheduleCleanup(rc *runContext) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cleanup != nil {
		return
	}
	rc.cleanup = time.AfterFunc(s.cfg.CleanupDelay, func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.logCtx), 10*time.Second)
		defer cancel()
		s.remove(ctx, rc.id)
	})
}

// remove drops the run context of runID. The remaining trace is flushed to
// the gateway, the gateway lets go of the run and the event store is
// flushed and released.
func (s *Service) remove(ctx context.Context, runID string) bool {
	s.mu.Lock()
	rc, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	rc.mu.Lock()
	if rc.cleanup != nil {
		rc.cleanup.Stop()
	}
	rc.mu.Unlock()

	rc.cancel()
	rc.emitter.Destroy()
	s.gateway.UnregisterRun(runID)
	if err := s.events.Release(ctx, runID); err != nil {
		log.Error(s.logCtx, err, log.KV{K: "msg", V: "failed to release event store"}, log.KV{K: "run_id", V: runID})
	}
	log.Info(s.logCtx, log.KV{K: "msg", V: "run removed"}, log.KV{K: "run_id", V: runID})
	return true
}

// Shutdown cancels every job, waits for them to settle until ctx is done and
// removes every run.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id, rc := range s.runs {
		ids = append(ids, id)
		rc.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn(s.logCtx, log.KV{K: "msg", V: "jobs still running at shutdown"})
	}

	for _, id := range ids {
		s.remove(ctx, id)
	}
}
