// Package pipeline defines the job interface driven by the run controller
// and the signals a job reports back through.
package pipeline

import (
	"context"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// SignalKind identifies what a signal reports.
type SignalKind string

const (
	SignalPhase    SignalKind = "phase"
	SignalProgress SignalKind = "progress"
	SignalSearch   SignalKind = "search"
	SignalVerify   SignalKind = "verify"
	SignalFilter   SignalKind = "filter"
	SignalExport   SignalKind = "export"
	SignalThought  SignalKind = "thought"
	SignalWarning  SignalKind = "warning"

	SignalStepStarted   SignalKind = "step_started"
	SignalStepCompleted SignalKind = "step_completed"
	SignalStepFailed    SignalKind = "step_failed"

	SignalToolStarted   SignalKind = "tool_started"
	SignalToolProgress  SignalKind = "tool_progress"
	SignalToolCompleted SignalKind = "tool_completed"
	SignalToolFailed    SignalKind = "tool_failed"

	SignalArtifactDeclared SignalKind = "artifact_declared"
	SignalArtifactReady    SignalKind = "artifact_ready"
	SignalArtifactFailed   SignalKind = "artifact_failed"
)

// Signal is one message from a job. Which fields are set depends on Kind:
//
//	phase             Phase, Message
//	progress          Percent, Message
//	search            Count (collected), Source
//	verify            Count (verified), Source
//	filter            Accepted, Rejected
//	export            Stage
//	step_*            ID, StepKind, Name, Message, Error
//	tool_*            ID, Name, StepID, Percent, Message, Data, Error
//	artifact_*        ID, Name, ArtifactKind, MimeType, URL, Size, Error
//	thought, warning  Message
type Signal struct {
	Kind         SignalKind     `json:"kind"`
	Phase        domain.Phase   `json:"phase,omitempty"`
	Message      string         `json:"message,omitempty"`
	Percent      float64        `json:"percent,omitempty"`
	Count        int            `json:"count,omitempty"`
	Source       string         `json:"source,omitempty"`
	Accepted     int            `json:"accepted,omitempty"`
	Rejected     int            `json:"rejected,omitempty"`
	Stage        int            `json:"stage,omitempty"`
	ID           string         `json:"id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	StepKind     string         `json:"step_kind,omitempty"`
	Name         string         `json:"name,omitempty"`
	ArtifactKind string         `json:"artifact_kind,omitempty"`
	MimeType     string         `json:"mime_type,omitempty"`
	URL          string         `json:"url,omitempty"`
	Size         int64          `json:"size,omitempty"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// RunRequest is the input of a job.
type RunRequest struct {
	RunID       string `json:"run_id"`
	Prompt      string `json:"prompt"`
	TargetCount int    `json:"target_count"`
	YearStart   int    `json:"year_start,omitempty"`
	YearEnd     int    `json:"year_end,omitempty"`
}

// Result is what a successful job produced.
type Result struct {
	Records []contract.Record `json:"records"`
	Summary string            `json:"summary,omitempty"`
}

// Job runs the domain logic of a run. It reports through signals and must
// return once ctx is done. It must not close signals nor send on them
// after returning.
type Job interface {
	Run(ctx context.Context, req RunRequest, signals chan<- Signal) (*Result, error)
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, req RunRequest, signals chan<- Signal) (*Result, error)

// Run calls f.
func (f JobFunc) Run(ctx context.Context, req RunRequest, signals chan<- Signal) (*Result, error) {
	return f(ctx, req, signals)
}

// Send delivers s, blocking while the queue is full, until ctx is done.
func Send(ctx context.Context, signals chan<- Signal, s Signal) error {
	select {
	case signals <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
