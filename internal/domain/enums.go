// Package domain defines the core domain models for the trace service.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// EventType represents the type of a trace event.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunFailed    EventType = "run_failed"
	EventTypeRunCancelled EventType = "run_cancelled"

	EventTypePhaseStarted   EventType = "phase_started"
	EventTypePhaseCompleted EventType = "phase_completed"
	EventTypePhaseFailed    EventType = "phase_failed"

	EventTypeToolStart    EventType = "tool_start"
	EventTypeToolProgress EventType = "tool_progress"
	EventTypeToolEnd      EventType = "tool_end"
	EventTypeToolError    EventType = "tool_error"

	EventTypeSourceFound    EventType = "source_found"
	EventTypeSourceVerified EventType = "source_verified"
	EventTypeSourceRejected EventType = "source_rejected"

	EventTypeArtifactDeclared EventType = "artifact_declared"
	EventTypeArtifactReady    EventType = "artifact_ready"
	EventTypeArtifactFailed   EventType = "artifact_failed"

	EventTypeProgressUpdate     EventType = "progress_update"
	EventTypeProgressCheckpoint EventType = "progress_checkpoint"
	EventTypeHeartbeat          EventType = "heartbeat"
	EventTypeContractViolation  EventType = "contract_violation"
	EventTypeRetry              EventType = "retry"
	EventTypeFallback           EventType = "fallback"

	// EventTypeThought is delivered to live subscribers only and is never
	// written to the trace_events table.
	EventTypeThought EventType = "thought"
)

// PersistedEventTypes lists the event types accepted by the durable log.
var PersistedEventTypes = []EventType{
	EventTypeRunStarted, EventTypeRunCompleted, EventTypeRunFailed, EventTypeRunCancelled,
	EventTypePhaseStarted, EventTypePhaseCompleted, EventTypePhaseFailed,
	EventTypeToolStart, EventTypeToolProgress, EventTypeToolEnd, EventTypeToolError,
	EventTypeSourceFound, EventTypeSourceVerified, EventTypeSourceRejected,
	EventTypeArtifactDeclared, EventTypeArtifactReady, EventTypeArtifactFailed,
	EventTypeProgressUpdate, EventTypeProgressCheckpoint, EventTypeHeartbeat,
	EventTypeContractViolation, EventTypeRetry, EventTypeFallback,
}

// IsPersisted reports whether events of type t belong in the durable log.
func (t EventType) IsPersisted() bool {
	return t != EventTypeThought
}

// IsTerminal reports whether t marks the end of a run.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeRunCompleted, EventTypeRunFailed, EventTypeRunCancelled:
		return true
	}
	return false
}

// Phase is the coarse pipeline phase a trace event belongs to.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseSignals      Phase = "signals"
	PhaseEnrichment   Phase = "enrichment"
	PhaseVerification Phase = "verification"
	PhaseExport       Phase = "export"
	PhaseFinalization Phase = "finalization"
	// PhaseCompleted is only used by progress accounting.
	PhaseCompleted Phase = "completed"
)

// StepKind classifies execution-protocol steps.
type StepKind string

const (
	StepKindPlan     StepKind = "plan"
	StepKindResearch StepKind = "research"
	StepKindEnrich   StepKind = "enrich"
	StepKindValidate StepKind = "validate"
	StepKindGenerate StepKind = "generate"
	StepKindDeliver  StepKind = "deliver"
)

// PlanStatus represents the status of a plan.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
)

// StepStatus represents the status of a plan step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusStreaming ToolCallStatus = "streaming"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusFailed    ToolCallStatus = "failed"
	ToolCallStatusRetrying  ToolCallStatus = "retrying"
	ToolCallStatusCancelled ToolCallStatus = "cancelled"
)

// ArtifactStatus represents the status of an artifact.
type ArtifactStatus string

const (
	ArtifactStatusDeclared   ArtifactStatus = "declared"
	ArtifactStatusGenerating ArtifactStatus = "generating"
	ArtifactStatusReady      ArtifactStatus = "ready"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)
