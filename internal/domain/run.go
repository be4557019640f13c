package domain

import "time"

// TraceEvent is a single immutable record of the durable trace log.
type TraceEvent struct {
	RunID        string         `json:"run_id"`
	Seq          int64          `json:"seq"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	NodeID       string         `json:"node_id"`
	AttemptID    string         `json:"attempt_id"`
	Agent        string         `json:"agent"`
	EventType    EventType      `json:"event_type"`
	Phase        Phase          `json:"phase,omitempty"`
	Message      string         `json:"message"`
	Status       string         `json:"status,omitempty"`
	Progress     *float64       `json:"progress,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Evidence     map[string]any `json:"evidence,omitempty"`
	Ts           int64          `json:"ts"` // Unix milliseconds
}

// RunSummary is the coarse view of a run derived from its durable events.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	EventCount int64      `json:"event_count"`
	LastSeq    int64      `json:"last_seq"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	LastPhase  Phase      `json:"last_phase,omitempty"`
}

// StatusFromMarkers derives a run status from the presence of lifecycle
// markers in an event range.
func StatusFromMarkers(started, completed, failed, cancelled bool) RunStatus {
	switch {
	case cancelled:
		return RunStatusCancelled
	case failed:
		return RunStatusFailed
	case completed:
		return RunStatusCompleted
	case started:
		return RunStatusRunning
	}
	return RunStatusPending
}

// Plan is an ordered set of steps the job intends to execute.
type Plan struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Steps  []Step     `json:"steps"`
	Status PlanStatus `json:"status"`
}

// Step is one unit of work inside a plan.
type Step struct {
	ID          string     `json:"id"`
	Kind        StepKind   `json:"kind"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Progress    float64    `json:"progress,omitempty"`
	StartedAt   int64      `json:"started_at,omitempty"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ToolCall tracks a single tool invocation made by the job.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	StepID      string         `json:"step_id,omitempty"`
	Status      ToolCallStatus `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Progress    float64        `json:"progress,omitempty"`
	Attempt     int            `json:"attempt"`
	Error       string         `json:"error,omitempty"`
	StartedAt   int64          `json:"started_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// Artifact is an output produced by the job, such as an export file.
type Artifact struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	MimeType  string         `json:"mime_type,omitempty"`
	Status    ArtifactStatus `json:"status"`
	Progress  float64        `json:"progress,omitempty"`
	URL       string         `json:"url,omitempty"`
	SizeBytes int64          `json:"size_bytes,omitempty"`
	Error     string         `json:"error,omitempty"`
}
