package domain

import "time"

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Prompt      string `json:"prompt"`
	TargetCount int    `json:"targetCount,omitempty"`
	YearStart   int    `json:"yearStart,omitempty"`
	YearEnd     int    `json:"yearEnd,omitempty"`
}

// CreateRunResponse is the response of POST /runs.
type CreateRunResponse struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StreamURL string    `json:"stream_url"`
	CreatedAt time.Time `json:"created_at"`
}

// CancelRunResponse is the response of POST /runs/:runId/cancel.
type CancelRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// TooManyRunsResponse is the 429 body returned by admission control.
type TooManyRunsResponse struct {
	Error         string `json:"error"`
	MaxConcurrent int    `json:"max_concurrent"`
	Current       int    `json:"current"`
	RetryAfterMs  int64  `json:"retry_after_ms"`
}

// ProgressState is a snapshot of the progress accumulator.
type ProgressState struct {
	Phase       Phase   `json:"phase"`
	Progress    float64 `json:"progress"`
	TargetCount int     `json:"target_count"`
	Collected   int     `json:"collected"`
	Verified    int     `json:"verified"`
	Accepted    int     `json:"accepted"`
	Rejected    int     `json:"rejected"`
	ExportStage int     `json:"export_stage"`
}

// RunView is the response of GET /runs/:runId. Source is "live" for runs
// still held by the controller and "store" for runs rebuilt from the log.
type RunView struct {
	RunID          string         `json:"run_id"`
	Status         RunStatus      `json:"status"`
	Source         string         `json:"source"`
	Prompt         string         `json:"prompt,omitempty"`
	Progress       float64        `json:"progress"`
	Phase          Phase          `json:"phase,omitempty"`
	Metrics        *ProgressState `json:"metrics,omitempty"`
	Artifacts      []Artifact     `json:"artifacts,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastActivityAt *time.Time     `json:"last_activity_at,omitempty"`
	EventCount     int64          `json:"event_count,omitempty"`
	LastSeq        int64          `json:"last_seq,omitempty"`
}
