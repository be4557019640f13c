package tracebus

import (
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// Severity of a contract violation.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// The constructors below describe each event kind; the Bus methods stamp
// and publish them. TraceEmitter reuses them to mirror execution events.

func runStarted(query string, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypeRunStarted,
		phase:     domain.PhasePlanning,
		nodeID:    "run",
		message:   "Run started: " + query,
		status:    string(domain.RunStatusRunning),
		progress:  ptr(0),
		metrics:   metrics,
	}
}

func runCompleted(message string, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypeRunCompleted,
		phase:     domain.PhaseFinalization,
		nodeID:    "run",
		message:   message,
		status:    string(domain.RunStatusCompleted),
		progress:  ptr(100),
		metrics:   metrics,
		immediate: true,
	}
}

func runFailed(message, stack string) fields {
	f := fields{
		eventType: domain.EventTypeRunFailed,
		nodeID:    "run",
		message:   message,
		status:    string(domain.RunStatusFailed),
		immediate: true,
	}
	if stack != "" {
		f.evidence = map[string]any{"stack": stack}
	}
	return f
}

func runCancelled(reason string) fields {
	return fields{
		eventType: domain.EventTypeRunCancelled,
		nodeID:    "run",
		message:   reason,
		status:    string(domain.RunStatusCancelled),
		immediate: true,
	}
}

func phaseStarted(phase domain.Phase, message string) fields {
	return fields{
		eventType: domain.EventTypePhaseStarted,
		phase:     phase,
		message:   message,
		status:    "running",
		pushSpan:  true,
	}
}

func phaseCompleted(phase domain.Phase, message string, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypePhaseCompleted,
		phase:     phase,
		message:   message,
		status:    "completed",
		metrics:   metrics,
		popSpan:   true,
	}
}

func phaseFailed(phase domain.Phase, errMsg string) fields {
	return fields{
		eventType: domain.EventTypePhaseFailed,
		phase:     phase,
		message:   errMsg,
		status:    "failed",
		popSpan:   true,
	}
}

func toolStart(tool, message string, input map[string]any) fields {
	return fields{
		eventType: domain.EventTypeToolStart,
		nodeID:    tool,
		message:   message,
		status:    "running",
		evidence:  input,
		pushSpan:  true,
	}
}

func toolProgress(tool, message string, progress float64) fields {
	return fields{
		eventType: domain.EventTypeToolProgress,
		nodeID:    tool,
		message:   message,
		status:    "running",
		progress:  ptr(clampPercent(progress)),
	}
}

func toolEnd(tool, message string, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypeToolEnd,
		nodeID:    tool,
		message:   message,
		status:    "completed",
		metrics:   metrics,
		popSpan:   true,
	}
}

func toolError(tool, errMsg string, attempt int) fields {
	return fields{
		eventType: domain.EventTypeToolError,
		nodeID:    tool,
		attempt:   attempt,
		message:   errMsg,
		status:    "failed",
		popSpan:   true,
	}
}

func source(t domain.EventType, message string, evidence map[string]any) fields {
	return fields{
		eventType: t,
		nodeID:    "sources",
		message:   message,
		evidence:  evidence,
	}
}

func artifactDeclared(id, name, kind string) fields {
	return fields{
		eventType: domain.EventTypeArtifactDeclared,
		nodeID:    id,
		message:   "Artifact declared: " + name,
		status:    string(domain.ArtifactStatusDeclared),
		evidence:  map[string]any{"artifact_id": id, "name": name, "kind": kind},
	}
}

func artifactReady(id, url string, size int64) fields {
	return fields{
		eventType: domain.EventTypeArtifactReady,
		nodeID:    id,
		message:   "Artifact ready",
		status:    string(domain.ArtifactStatusReady),
		evidence:  map[string]any{"artifact_id": id, "url": url, "size_bytes": size},
	}
}

func artifactFailed(id, errMsg string) fields {
	return fields{
		eventType: domain.EventTypeArtifactFailed,
		nodeID:    id,
		message:   errMsg,
		status:    string(domain.ArtifactStatusFailed),
		evidence:  map[string]any{"artifact_id": id},
	}
}

func progressUpdate(phase domain.Phase, pct float64, message string, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypeProgressUpdate,
		phase:     phase,
		nodeID:    "progress",
		message:   message,
		progress:  ptr(clampPercent(pct)),
		metrics:   metrics,
	}
}

func progressCheckpoint(phase domain.Phase, pct float64, metrics map[string]any) fields {
	return fields{
		eventType: domain.EventTypeProgressCheckpoint,
		phase:     phase,
		nodeID:    "progress",
		message:   "Progress checkpoint",
		progress:  ptr(clampPercent(pct)),
		metrics:   metrics,
	}
}

func heartbeat() fields {
	return fields{
		eventType: domain.EventTypeHeartbeat,
		nodeID:    "heartbeat",
		message:   "heartbeat",
		immediate: true,
	}
}

func contractViolation(field, reason, severity string) fields {
	return fields{
		eventType: domain.EventTypeContractViolation,
		nodeID:    "contract",
		message:   reason,
		status:    severity,
		evidence:  map[string]any{"field": field, "severity": severity},
	}
}

func retry(node string, attempt int, reason string) fields {
	return fields{
		eventType: domain.EventTypeRetry,
		nodeID:    node,
		attempt:   attempt,
		message:   reason,
		status:    "retrying",
	}
}

func fallback(from, to, reason string) fields {
	return fields{
		eventType: domain.EventTypeFallback,
		nodeID:    from,
		message:   reason,
		evidence:  map[string]any{"from": from, "to": to},
	}
}

func thought(agent, message string) fields {
	return fields{
		eventType: domain.EventTypeThought,
		nodeID:    "thought",
		agent:     agent,
		message:   message,
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func (b *Bus) publish(f fields) error {
	_, err := b.emit(f)
	return err
}

// RunStarted opens the run narrative.
func (b *Bus) RunStarted(query string, metrics map[string]any) error {
	return b.publish(runStarted(query, metrics))
}

// RunCompleted marks the run completed and flushes immediately.
func (b *Bus) RunCompleted(message string, metrics map[string]any) error {
	return b.publish(runCompleted(message, metrics))
}

// RunFailed marks the run failed and flushes immediately. stack is an
// already redacted excerpt and may be empty.
func (b *Bus) RunFailed(message, stack string) error {
	return b.publish(runFailed(message, stack))
}

// RunCancelled marks the run cancelled and flushes immediately.
func (b *Bus) RunCancelled(reason string) error {
	return b.publish(runCancelled(reason))
}

// PhaseStarted pushes a span for phase and emits phase_started inside it.
func (b *Bus) PhaseStarted(phase domain.Phase, message string) error {
	return b.publish(phaseStarted(phase, message))
}

// PhaseCompleted emits phase_completed and pops the phase span.
func (b *Bus) PhaseCompleted(phase domain.Phase, message string, metrics map[string]any) error {
	return b.publish(phaseCompleted(phase, message, metrics))
}

// PhaseFailed emits phase_failed and pops the phase span.
func (b *Bus) PhaseFailed(phase domain.Phase, errMsg string) error {
	return b.publish(phaseFailed(phase, errMsg))
}

// ToolStart pushes a span for the tool call.
func (b *Bus) ToolStart(tool, message string, input map[string]any) error {
	return b.publish(toolStart(tool, message, input))
}

func (b *Bus) ToolProgress(tool, message string, progress float64) error {
	return b.publish(toolProgress(tool, message, progress))
}

// ToolEnd pops the tool span.
func (b *Bus) ToolEnd(tool, message string, metrics map[string]any) error {
	return b.publish(toolEnd(tool, message, metrics))
}

// ToolError pops the tool span.
func (b *Bus) ToolError(tool, errMsg string, attempt int) error {
	return b.publish(toolError(tool, errMsg, attempt))
}

func (b *Bus) SourceFound(message string, evidence map[string]any) error {
	return b.publish(source(domain.EventTypeSourceFound, message, evidence))
}

func (b *Bus) SourceVerified(message string, evidence map[string]any) error {
	return b.publish(source(domain.EventTypeSourceVerified, message, evidence))
}

func (b *Bus) SourceRejected(message string, evidence map[string]any) error {
	return b.publish(source(domain.EventTypeSourceRejected, message, evidence))
}

func (b *Bus) ArtifactDeclared(id, name, kind string) error {
	return b.publish(artifactDeclared(id, name, kind))
}

func (b *Bus) ArtifactReady(id, url string, size int64) error {
	return b.publish(artifactReady(id, url, size))
}

func (b *Bus) ArtifactFailed(id, errMsg string) error {
	return b.publish(artifactFailed(id, errMsg))
}

// Progress emits a progress_update. pct is clamped to [0, 100].
func (b *Bus) Progress(phase domain.Phase, pct float64, message string, metrics map[string]any) error {
	return b.publish(progressUpdate(phase, pct, message, metrics))
}

func (b *Bus) ProgressCheckpoint(phase domain.Phase, pct float64, metrics map[string]any) error {
	return b.publish(progressCheckpoint(phase, pct, metrics))
}

// Heartbeat emits a heartbeat and flushes immediately.
func (b *Bus) Heartbeat() error {
	return b.publish(heartbeat())
}

func (b *Bus) ContractViolation(field, reason, severity string) error {
	return b.publish(contractViolation(field, reason, severity))
}

func (b *Bus) Retry(node string, attempt int, reason string) error {
	return b.publish(retry(node, attempt, reason))
}

func (b *Bus) Fallback(from, to, reason string) error {
	return b.publish(fallback(from, to, reason))
}

// Thought emits a live-only event; stores skip it.
func (b *Bus) Thought(agent, message string) error {
	return b.publish(thought(agent, message))
}
