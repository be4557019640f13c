package domain

import (
	"encoding/json"
	"fmt"
)

// ExecutionEventType is the discriminator of ExecutionEvent.
type ExecutionEventType string

const (
	ExecRunStarted   ExecutionEventType = "run_started"
	ExecRunCompleted ExecutionEventType = "run_completed"
	ExecRunFailed    ExecutionEventType = "run_failed"

	ExecPlanCreated ExecutionEventType = "plan_created"
	ExecPlanUpdated ExecutionEventType = "plan_updated"

	ExecStepStarted   ExecutionEventType = "step_started"
	ExecStepProgress  ExecutionEventType = "step_progress"
	ExecStepCompleted ExecutionEventType = "step_completed"
	ExecStepFailed    ExecutionEventType = "step_failed"

	ExecToolCallStarted   ExecutionEventType = "tool_call_started"
	ExecToolCallChunk     ExecutionEventType = "tool_call_chunk"
	ExecToolCallProgress  ExecutionEventType = "tool_call_progress"
	ExecToolCallCompleted ExecutionEventType = "tool_call_completed"
	ExecToolCallFailed    ExecutionEventType = "tool_call_failed"
	ExecToolCallRetry     ExecutionEventType = "tool_call_retry"

	ExecArtifactDeclared ExecutionEventType = "artifact_declared"
	ExecArtifactProgress ExecutionEventType = "artifact_progress"
	ExecArtifactReady    ExecutionEventType = "artifact_ready"
	ExecArtifactFailed   ExecutionEventType = "artifact_failed"

	ExecWarning   ExecutionEventType = "warning"
	ExecError     ExecutionEventType = "error"
	ExecInfo      ExecutionEventType = "info"
	ExecHeartbeat ExecutionEventType = "heartbeat"
)

type (
	// ExecutionEvent is an event of the plan/step/tool-call/artifact
	// vocabulary. Data always holds the payload variant matching Type.
	ExecutionEvent struct {
		Type  ExecutionEventType
		Seq   int64
		RunID string
		Ts    int64
		Data  ExecutionPayload
	}

	// ExecutionPayload is implemented by every payload variant.
	ExecutionPayload interface {
		executionPayload()
	}

	RunStartedData struct {
		Query       string `json:"query"`
		TargetCount int    `json:"target_count,omitempty"`
	}

	RunCompletedData struct {
		Summary       string `json:"summary,omitempty"`
		DurationMs    int64  `json:"duration_ms"`
		ArtifactCount int    `json:"artifact_count"`
	}

	RunFailedData struct {
		Error string `json:"error"`
		Stack string `json:"stack,omitempty"`
	}

	PlanData struct {
		Plan Plan `json:"plan"`
	}

	StepStartedData struct {
		StepID string   `json:"step_id"`
		Kind   StepKind `json:"kind"`
		Title  string   `json:"title"`
	}

	StepProgressData struct {
		StepID   string  `json:"step_id"`
		Progress float64 `json:"progress"`
		Message  string  `json:"message,omitempty"`
	}

	StepCompletedData struct {
		StepID  string `json:"step_id"`
		Summary string `json:"summary,omitempty"`
	}

	StepFailedData struct {
		StepID string `json:"step_id"`
		Error  string `json:"error"`
	}

	ToolCallStartedData struct {
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		StepID     string         `json:"step_id,omitempty"`
		Input      map[string]any `json:"input,omitempty"`
	}

	ToolCallChunkData struct {
		ToolCallID string `json:"tool_call_id"`
		Chunk      string `json:"chunk"`
	}

	ToolCallProgressData struct {
		ToolCallID string  `json:"tool_call_id"`
		Progress   float64 `json:"progress"`
		Preview    string  `json:"preview,omitempty"`
	}

	ToolCallCompletedData struct {
		ToolCallID string         `json:"tool_call_id"`
		Output     map[string]any `json:"output,omitempty"`
		DurationMs int64          `json:"duration_ms"`
	}

	ToolCallFailedData struct {
		ToolCallID string `json:"tool_call_id"`
		Error      string `json:"error"`
		Retryable  bool   `json:"retryable"`
	}

	ToolCallRetryData struct {
		ToolCallID string `json:"tool_call_id"`
		Attempt    int    `json:"attempt"`
		Reason     string `json:"reason"`
	}

	ArtifactDeclaredData struct {
		ArtifactID string `json:"artifact_id"`
		Name       string `json:"name"`
		Kind       string `json:"kind"`
		MimeType   string `json:"mime_type,omitempty"`
	}

	ArtifactProgressData struct {
		ArtifactID string  `json:"artifact_id"`
		Progress   float64 `json:"progress"`
	}

	ArtifactReadyData struct {
		ArtifactID string `json:"artifact_id"`
		URL        string `json:"url"`
		SizeBytes  int64  `json:"size_bytes"`
	}

	ArtifactFailedData struct {
		ArtifactID string `json:"artifact_id"`
		Error      string `json:"error"`
	}

	// NoticeData is shared by warning, error and info events.
	NoticeData struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	HeartbeatData struct{}
)

func (RunStartedData) executionPayload()        {}
func (RunCompletedData) executionPayload()      {}
func (RunFailedData) executionPayload()         {}
func (PlanData) executionPayload()              {}
func (StepStartedData) executionPayload()       {}
func (StepProgressData) executionPayload()      {}
func (StepCompletedData) executionPayload()     {}
func (StepFailedData) executionPayload()        {}
func (ToolCallStartedData) executionPayload()   {}
func (ToolCallChunkData) executionPayload()     {}
func (ToolCallProgressData) executionPayload()  {}
func (ToolCallCompletedData) executionPayload() {}
func (ToolCallFailedData) executionPayload()    {}
func (ToolCallRetryData) executionPayload()     {}
func (ArtifactDeclaredData) executionPayload()  {}
func (ArtifactProgressData) executionPayload()  {}
func (ArtifactReadyData) executionPayload()     {}
func (ArtifactFailedData) executionPayload()    {}
func (NoticeData) executionPayload()            {}
func (HeartbeatData) executionPayload()         {}

type executionEnvelope struct {
	Type  ExecutionEventType `json:"type"`
	Seq   int64              `json:"seq"`
	RunID string             `json:"run_id"`
	Ts    int64              `json:"ts"`
	Data  json.RawMessage    `json:"data,omitempty"`
}

// MarshalJSON encodes the event as {type, seq, run_id, ts, data}.
func (e ExecutionEvent) MarshalJSON() ([]byte, error) {
	env := executionEnvelope{Type: e.Type, Seq: e.Seq, RunID: e.RunID, Ts: e.Ts}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the payload into the variant selected by type.
func (e *ExecutionEvent) UnmarshalJSON(b []byte) error {
	var env executionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	data, err := NewExecutionPayload(env.Type)
	if err != nil {
		return err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
	}
	e.Type = env.Type
	e.Seq = env.Seq
	e.RunID = env.RunID
	e.Ts = env.Ts
	e.Data = derefPayload(data)
	return nil
}

// NewExecutionPayload returns a pointer to the zero payload for t.
func NewExecutionPayload(t ExecutionEventType) (ExecutionPayload, error) {
	switch t {
	case ExecRunStarted:
		return &RunStartedData{}, nil
	case ExecRunCompleted:
		return &RunCompletedData{}, nil
	case ExecRunFailed:
		return &RunFailedData{}, nil
	case ExecPlanCreated, ExecPlanUpdated:
		return &PlanData{}, nil
	case ExecStepStarted:
		return &StepStartedData{}, nil
	case ExecStepProgress:
		return &StepProgressData{}, nil
	case ExecStepCompleted:
		return &StepCompletedData{}, nil
	case ExecStepFailed:
		return &StepFailedData{}, nil
	case ExecToolCallStarted:
		return &ToolCallStartedData{}, nil
	case ExecToolCallChunk:
		return &ToolCallChunkData{}, nil
	case ExecToolCallProgress:
		return &ToolCallProgressData{}, nil
	case ExecToolCallCompleted:
		return &ToolCallCompletedData{}, nil
	case ExecToolCallFailed:
		return &ToolCallFailedData{}, nil
	case ExecToolCallRetry:
		return &ToolCallRetryData{}, nil
	case ExecArtifactDeclared:
		return &ArtifactDeclaredData{}, nil
	case ExecArtifactProgress:
		return &ArtifactProgressData{}, nil
	case ExecArtifactReady:
		return &ArtifactReadyData{}, nil
	case ExecArtifactFailed:
		return &ArtifactFailedData{}, nil
	case ExecWarning, ExecError, ExecInfo:
		return &NoticeData{}, nil
	case ExecHeartbeat:
		return &HeartbeatData{}, nil
	}
	return nil, fmt.Errorf("unknown execution event type %q", t)
}

func derefPayload(p ExecutionPayload) ExecutionPayload {
	switch v := p.(type) {
	case *RunStartedData:
		return *v
	case *RunCompletedData:
		return *v
	case *RunFailedData:
		return *v
	case *PlanData:
		return *v
	case *StepStartedData:
		return *v
	case *StepProgressData:
		return *v
	case *StepCompletedData:
		return *v
	case *StepFailedData:
		return *v
	case *ToolCallStartedData:
		return *v
	case *ToolCallChunkData:
		return *v
	case *ToolCallProgressData:
		return *v
	case *ToolCallCompletedData:
		return *v
	case *ToolCallFailedData:
		return *v
	case *ToolCallRetryData:
		return *v
	case *ArtifactDeclaredData:
		return *v
	case *ArtifactProgressData:
		return *v
	case *ArtifactReadyData:
		return *v
	case *ArtifactFailedData:
		return *v
	case *NoticeData:
		return *v
	case *HeartbeatData:
		return *v
	}
	return p
}
