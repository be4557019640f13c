package tracebus

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// ErrUnknownEntity is returned when an execution event names a step, tool
// call or artifact the emitter has not seen start.
var ErrUnknownEntity = errors.New("unknown execution entity")

const previewLimit = 512

type (
	// ExecutionListener receives execution events in exec seq order.
	ExecutionListener func(domain.ExecutionEvent)

	// Emitter layers the plan/step/tool-call/artifact vocabulary on a Bus.
	// Every execution event is mirrored into at least one trace event that
	// carries metrics.exec_type and metrics.exec_seq.
	Emitter struct {
		*Bus

		// mu serializes execution events with their trace mirrors.
		mu            sync.Mutex
		execSeq       int64
		startedAt     time.Time
		plans         map[string]*domain.Plan
		steps         map[string]*domain.Step
		toolCalls     map[string]*domain.ToolCall
		artifacts     map[string]*domain.Artifact
		artifactOrder []string

		execSubsMu sync.RWMutex
		execSubs   []*ExecutionSubscription
	}

	// ExecutionSubscription is the handle returned by SubscribeExecution.
	ExecutionSubscription struct {
		e        *Emitter
		listener ExecutionListener
		once     sync.Once
	}
)

// NewEmitter creates the emitter of runID with its own bus.
func NewEmitter(runID string, cfg Config) *Emitter {
	return &Emitter{
		Bus:       New(runID, cfg),
		startedAt: time.Now(),
		plans:     make(map[string]*domain.Plan),
		steps:     make(map[string]*domain.Step),
		toolCalls: make(map[string]*domain.ToolCall),
		artifacts: make(map[string]*domain.Artifact),
	}
}

// SubscribeExecution registers l for execution events.
func (e *Emitter) SubscribeExecution(l ExecutionListener) (*ExecutionSubscription, error) {
	if l == nil {
		return nil, errors.New("listener is required")
	}
	if e.Closed() {
		return nil, ErrBusClosed
	}
	s := &ExecutionSubscription{e: e, listener: l}
	e.execSubsMu.Lock()
	e.execSubs = append(e.execSubs, s)
	e.execSubsMu.Unlock()
	return s, nil
}

// Close detaches the subscription. It is safe to call more than once.
func (s *ExecutionSubscription) Close() error {
	s.once.Do(func() {
		s.e.execSubsMu.Lock()
		defer s.e.execSubsMu.Unlock()
		for i, sub := range s.e.execSubs {
			if sub == s {
				s.e.execSubs = append(s.e.execSubs[:i:i], s.e.execSubs[i+1:]...)
				return
			}
		}
	})
	return nil
}

// ExecSeq returns the last execution sequence number.
func (e *Emitter) ExecSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execSeq
}

// Destroy destroys the bus and detaches execution listeners.
func (e *Emitter) Destroy() {
	e.Bus.Destroy()
	e.execSubsMu.Lock()
	e.execSubs = nil
	e.execSubsMu.Unlock()
}

// publishLocked publishes the trace mirror of an execution event, then the
// event itself. A mirror that fails validation publishes nothing. e.mu must
// be held.
func (e *Emitter) publishLocked(t domain.ExecutionEventType, data domain.ExecutionPayload, mirror fields) error {
	if e.Closed() {
		return ErrBusClosed
	}
	seq := e.execSeq + 1

	metrics := make(map[string]any, len(mirror.metrics)+2)
	for k, v := range mirror.metrics {
		metrics[k] = v
	}
	metrics["exec_type"] = string(t)
	metrics["exec_seq"] = seq
	mirror.metrics = metrics
	if _, err := e.emit(mirror); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", t, err)
	}

	e.execSeq = seq
	ev := domain.ExecutionEvent{
		Type:  t,
		Seq:   seq,
		RunID: e.runID,
		Ts:    time.Now().UnixMilli(),
		Data:  data,
	}
	e.execSubsMu.RLock()
	subs := make([]*ExecutionSubscription, len(e.execSubs))
	copy(subs, e.execSubs)
	e.execSubsMu.RUnlock()
	for _, s := range subs {
		s.listener(ev)
	}
	return nil
}

// EmitRunStarted publishes run_started.
func (e *Emitter) EmitRunStarted(query string, targetCount int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startedAt = time.Now()
	return e.publishLocked(domain.ExecRunStarted,
		domain.RunStartedData{Query: query, TargetCount: targetCount},
		runStarted(query, map[string]any{"target_count": targetCount}))
}

// EmitRunCompleted publishes run_completed with the run duration and the
// number of artifacts declared so far.
func (e *Emitter) EmitRunCompleted(summary string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := domain.RunCompletedData{
		Summary:       summary,
		DurationMs:    time.Since(e.startedAt).Milliseconds(),
		ArtifactCount: len(e.artifactOrder),
	}
	msg := summary
	if msg == "" {
		msg = "Run completed"
	}
	return e.publishLocked(domain.ExecRunCompleted, data, runCompleted(msg, map[string]any{
		"duration_ms":    data.DurationMs,
		"artifact_count": data.ArtifactCount,
	}))
}

// EmitRunFailed publishes run_failed.
func (e *Emitter) EmitRunFailed(errMsg, stack string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishLocked(domain.ExecRunFailed,
		domain.RunFailedData{Error: errMsg, Stack: stack},
		runFailed(errMsg, stack))
}

// EmitPlanCreated records plan and publishes plan_created.
func (e *Emitter) EmitPlanCreated(plan domain.Plan) error {
	return e.emitPlan(domain.ExecPlanCreated, plan, "Plan created: ")
}

// EmitPlanUpdated replaces the recorded plan and publishes plan_updated.
func (e *Emitter) EmitPlanUpdated(plan domain.Plan) error {
	return e.emitPlan(domain.ExecPlanUpdated, plan, "Plan updated: ")
}

func (e *Emitter) emitPlan(t domain.ExecutionEventType, plan domain.Plan, prefix string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if plan.Status == "" {
		plan.Status = domain.PlanStatusDraft
	}
	p := plan
	p.Steps = append([]domain.Step(nil), plan.Steps...)
	e.plans[p.ID] = &p
	for i := range p.Steps {
		st := p.Steps[i]
		if st.Status == "" {
			st.Status = domain.StepStatusPending
		}
		if _, ok := e.steps[st.ID]; !ok {
			e.steps[st.ID] = &st
		}
	}
	mirror := fields{
		eventType: domain.EventTypeProgressUpdate,
		phase:     domain.PhasePlanning,
		nodeID:    "plan",
		message:   prefix + plan.Title,
		status:    string(p.Status),
		evidence:  map[string]any{"plan_id": p.ID, "steps": len(p.Steps)},
	}
	return e.publishLocked(t, domain.PlanData{Plan: p}, mirror)
}

// EmitStepStarted publishes step_started and opens the phase of its kind.
func (e *Emitter) EmitStepStarted(stepID string, kind domain.StepKind, title string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.steps[stepID]
	if !ok {
		st = &domain.Step{ID: stepID}
		e.steps[stepID] = st
	}
	st.Kind = kind
	st.Title = title
	st.Status = domain.StepStatusRunning
	st.StartedAt = time.Now().UnixMilli()
	return e.publishLocked(domain.ExecStepStarted,
		domain.StepStartedData{StepID: stepID, Kind: kind, Title: title},
		phaseStarted(PhaseForStepKind(kind), title))
}

// EmitStepProgress publishes step_progress.
func (e *Emitter) EmitStepProgress(stepID string, progress float64, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.steps[stepID]
	if !ok {
		return fmt.Errorf("step %q: %w", stepID, ErrUnknownEntity)
	}
	st.Progress = clampPercent(progress)
	return e.publishLocked(domain.ExecStepProgress,
		domain.StepProgressData{StepID: stepID, Progress: st.Progress, Message: message},
		progressUpdate(PhaseForStepKind(st.Kind), st.Progress, message, map[string]any{"step_id": stepID}))
}

// EmitStepCompleted publishes step_completed and closes its phase.
func (e *Emitter) EmitStepCompleted(stepID, summary string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.steps[stepID]
	if !ok {
		return fmt.Errorf("step %q: %w", stepID, ErrUnknownEntity)
	}
	st.Status = domain.StepStatusCompleted
	st.Progress = 100
	st.CompletedAt = time.Now().UnixMilli()
	msg := summary
	if msg == "" {
		msg = st.Title + " completed"
	}
	return e.publishLocked(domain.ExecStepCompleted,
		domain.StepCompletedData{StepID: stepID, Summary: summary},
		phaseCompleted(PhaseForStepKind(st.Kind), msg, map[string]any{"step_id": stepID}))
}

// EmitStepFailed publishes step_failed and closes its phase.
func (e *Emitter) EmitStepFailed(stepID, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.steps[stepID]
	if !ok {
		return fmt.Errorf("step %q: %w", stepID, ErrUnknownEntity)
	}
	st.Status = domain.StepStatusFailed
	st.Error = errMsg
	st.CompletedAt = time.Now().UnixMilli()
	return e.publishLocked(domain.ExecStepFailed,
		domain.StepFailedData{StepID: stepID, Error: errMsg},
		phaseFailed(PhaseForStepKind(st.Kind), errMsg))
}

// EmitToolCallStarted records a running tool call and publishes
// tool_call_started.
func (e *Emitter) EmitToolCallStarted(id, name, stepID string, input map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		tc = &domain.ToolCall{ID: id, Attempt: 1}
		e.toolCalls[id] = tc
	}
	tc.Name = name
	tc.StepID = stepID
	tc.Input = input
	tc.Status = domain.ToolCallStatusRunning
	tc.Error = ""
	tc.StartedAt = time.Now().UnixMilli()
	return e.publishLocked(domain.ExecToolCallStarted,
		domain.ToolCallStartedData{ToolCallID: id, ToolName: name, StepID: stepID, Input: input},
		toolStart(name, "Calling "+name, input))
}

// EmitToolCallChunk appends streamed output to the call preview.
func (e *Emitter) EmitToolCallChunk(id, chunk string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return fmt.Errorf("tool call %q: %w", id, ErrUnknownEntity)
	}
	tc.Status = domain.ToolCallStatusStreaming
	tc.Preview = tail(tc.Preview+chunk, previewLimit)
	return e.publishLocked(domain.ExecToolCallChunk,
		domain.ToolCallChunkData{ToolCallID: id, Chunk: chunk},
		toolProgress(tc.Name, tail(chunk, previewLimit), tc.Progress))
}

// EmitToolCallProgress updates progress and preview of an existing call.
func (e *Emitter) EmitToolCallProgress(id string, progress float64, preview string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return fmt.Errorf("tool call %q: %w", id, ErrUnknownEntity)
	}
	tc.Progress = clampPercent(progress)
	if preview != "" {
		tc.Preview = tail(preview, previewLimit)
	}
	return e.publishLocked(domain.ExecToolCallProgress,
		domain.ToolCallProgressData{ToolCallID: id, Progress: tc.Progress, Preview: tc.Preview},
		toolProgress(tc.Name, tc.Preview, tc.Progress))
}

// EmitToolCallCompleted publishes tool_call_completed.
func (e *Emitter) EmitToolCallCompleted(id string, output map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return fmt.Errorf("tool call %q: %w", id, ErrUnknownEntity)
	}
	now := time.Now().UnixMilli()
	tc.Status = domain.ToolCallStatusCompleted
	tc.Output = output
	tc.Progress = 100
	tc.CompletedAt = now
	duration := now - tc.StartedAt
	return e.publishLocked(domain.ExecToolCallCompleted,
		domain.ToolCallCompletedData{ToolCallID: id, Output: output, DurationMs: duration},
		toolEnd(tc.Name, tc.Name+" completed", map[string]any{"duration_ms": duration}))
}

// EmitToolCallFailed publishes tool_call_failed.
func (e *Emitter) EmitToolCallFailed(id, errMsg string, retryable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return fmt.Errorf("tool call %q: %w", id, ErrUnknownEntity)
	}
	tc.Status = domain.ToolCallStatusFailed
	tc.Error = errMsg
	tc.CompletedAt = time.Now().UnixMilli()
	return e.publishLocked(domain.ExecToolCallFailed,
		domain.ToolCallFailedData{ToolCallID: id, Error: errMsg, Retryable: retryable},
		toolError(tc.Name, errMsg, tc.Attempt))
}

// EmitToolCallRetry marks a call as retrying with the given attempt.
func (e *Emitter) EmitToolCallRetry(id string, attempt int, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return fmt.Errorf("tool call %q: %w", id, ErrUnknownEntity)
	}
	tc.Status = domain.ToolCallStatusRetrying
	tc.Attempt = attempt
	return e.publishLocked(domain.ExecToolCallRetry,
		domain.ToolCallRetryData{ToolCallID: id, Attempt: attempt, Reason: reason},
		retry(tc.Name, attempt, reason))
}

// EmitArtifactDeclared records a new artifact.
func (e *Emitter) EmitArtifactDeclared(id, name, kind, mimeType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.artifacts[id]; !ok {
		e.artifactOrder = append(e.artifactOrder, id)
	}
	e.artifacts[id] = &domain.Artifact{
		ID:       id,
		Name:     name,
		Kind:     kind,
		MimeType: mimeType,
		Status:   domain.ArtifactStatusDeclared,
	}
	return e.publishLocked(domain.ExecArtifactDeclared,
		domain.ArtifactDeclaredData{ArtifactID: id, Name: name, Kind: kind, MimeType: mimeType},
		artifactDeclared(id, name, kind))
}

// EmitArtifactProgress marks an artifact as generating.
func (e *Emitter) EmitArtifactProgress(id string, progress float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %q: %w", id, ErrUnknownEntity)
	}
	a.Status = domain.ArtifactStatusGenerating
	a.Progress = clampPercent(progress)
	return e.publishLocked(domain.ExecArtifactProgress,
		domain.ArtifactProgressData{ArtifactID: id, Progress: a.Progress},
		toolProgress(id, "Generating "+a.Name, a.Progress))
}

// EmitArtifactReady publishes artifact_ready.
func (e *Emitter) EmitArtifactReady(id, url string, size int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %q: %w", id, ErrUnknownEntity)
	}
	a.Status = domain.ArtifactStatusReady
	a.Progress = 100
	a.URL = url
	a.SizeBytes = size
	return e.publishLocked(domain.ExecArtifactReady,
		domain.ArtifactReadyData{ArtifactID: id, URL: url, SizeBytes: size},
		artifactReady(id, url, size))
}

// EmitArtifactFailed publishes artifact_failed.
func (e *Emitter) EmitArtifactFailed(id, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %q: %w", id, ErrUnknownEntity)
	}
	a.Status = domain.ArtifactStatusFailed
	a.Error = errMsg
	return e.publishLocked(domain.ExecArtifactFailed,
		domain.ArtifactFailedData{ArtifactID: id, Error: errMsg},
		artifactFailed(id, errMsg))
}

// EmitInfo publishes an info notice.
func (e *Emitter) EmitInfo(message, code string) error {
	return e.emitNotice(domain.ExecInfo, message, code)
}

// EmitWarning publishes a warning notice.
func (e *Emitter) EmitWarning(message, code string) error {
	return e.emitNotice(domain.ExecWarning, message, code)
}

// EmitError publishes an error notice. It does not change the run status.
func (e *Emitter) EmitError(message, code string) error {
	return e.emitNotice(domain.ExecError, message, code)
}

func (e *Emitter) emitNotice(t domain.ExecutionEventType, message, code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mirror := fields{
		eventType: domain.EventTypeProgressUpdate,
		nodeID:    "notice",
		message:   message,
		status:    string(t),
	}
	if code != "" {
		mirror.evidence = map[string]any{"code": code}
	}
	return e.publishLocked(t, domain.NoticeData{Message: message, Code: code}, mirror)
}

// EmitHeartbeat publishes heartbeat in both vocabularies.
func (e *Emitter) EmitHeartbeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishLocked(domain.ExecHeartbeat, domain.HeartbeatData{}, heartbeat())
}

// ToolCall returns a copy of the tool call with the given id.
func (e *Emitter) ToolCall(id string) (domain.ToolCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return domain.ToolCall{}, false
	}
	return *tc, true
}

// Step returns a copy of the step with the given id.
func (e *Emitter) Step(id string) (domain.Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.steps[id]
	if !ok {
		return domain.Step{}, false
	}
	return *st, true
}

// Artifacts returns the artifacts in declaration order.
func (e *Emitter) Artifacts() []domain.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Artifact, 0, len(e.artifactOrder))
	for _, id := range e.artifactOrder {
		out = append(out, *e.artifacts[id])
	}
	return out
}

// tail returns at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
