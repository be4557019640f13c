package tracebus

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

func newTestEmitter(t *testing.T) (*Emitter, *collector, *[]domain.ExecutionEvent) {
	t.Helper()
	e := NewEmitter("run_emit", Config{FlushInterval: time.Hour})
	t.Cleanup(e.Destroy)
	c := &collector{}
	_, err := e.Subscribe(c.listen)
	require.NoError(t, err)

	var mu sync.Mutex
	execs := &[]domain.ExecutionEvent{}
	_, err = e.SubscribeExecution(func(ev domain.ExecutionEvent) {
		mu.Lock()
		defer mu.Unlock()
		*execs = append(*execs, ev)
	})
	require.NoError(t, err)
	return e, c, execs
}

func TestPhaseForStepKind(t *testing.T) {
	tests := []struct {
		kind domain.StepKind
		want domain.Phase
	}{
		{domain.StepKindPlan, domain.PhasePlanning},
		{domain.StepKindResearch, domain.PhaseSignals},
		{domain.StepKindEnrich, domain.PhaseEnrichment},
		{domain.StepKindValidate, domain.PhaseVerification},
		{domain.StepKindGenerate, domain.PhaseExport},
		{domain.StepKindDeliver, domain.PhaseFinalization},
		{domain.StepKind("summarize"), domain.PhaseEnrichment},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseForStepKind(tt.kind))
		})
	}
}

func TestEmitterMirrorsExecutionEvents(t *testing.T) {
	e, c, execs := newTestEmitter(t)

	require.NoError(t, e.EmitRunStarted("perovskite stability", 40))
	require.NoError(t, e.EmitStepStarted("s1", domain.StepKindValidate, "Verify DOIs"))
	require.NoError(t, e.EmitToolCallStarted("tc1", "crossref.lookup", "s1", map[string]any{"doi": "10.1/a"}))
	require.NoError(t, e.EmitToolCallCompleted("tc1", map[string]any{"ok": true}))
	require.NoError(t, e.EmitStepCompleted("s1", ""))
	e.Flush()

	require.Len(t, *execs, 5)
	events := c.events()
	require.Len(t, events, 5)

	wantTypes := []domain.EventType{
		domain.EventTypeRunStarted,
		domain.EventTypePhaseStarted,
		domain.EventTypeToolStart,
		domain.EventTypeToolEnd,
		domain.EventTypePhaseCompleted,
	}
	for i, ev := range events {
		assert.Equal(t, wantTypes[i], ev.EventType)
		assert.Equal(t, string((*execs)[i].Type), ev.Metrics["exec_type"])
		assert.Equal(t, (*execs)[i].Seq, ev.Metrics["exec_seq"])
		assert.Equal(t, int64(i+1), (*execs)[i].Seq)
	}
	assert.Equal(t, domain.PhaseVerification, events[1].Phase)
	assert.Equal(t, events[1].SpanID, events[2].ParentSpanID)
	assert.Equal(t, e.CurrentSpanID(), events[0].SpanID)
}

func TestEmitterExecSeqIsIndependent(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	require.NoError(t, e.Heartbeat())
	require.NoError(t, e.Heartbeat())
	require.NoError(t, e.EmitInfo("hello", ""))

	assert.Equal(t, int64(1), e.ExecSeq())
	assert.Equal(t, int64(3), e.Seq())
}

func TestEmitterToolCallProgressUpdatesInPlace(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	require.NoError(t, e.EmitToolCallStarted("tc1", "openalex.search", "", nil))
	require.NoError(t, e.EmitToolCallProgress("tc1", 40, "12 results"))
	require.NoError(t, e.EmitToolCallProgress("tc1", 80, "30 results"))

	tc, ok := e.ToolCall("tc1")
	require.True(t, ok)
	assert.Equal(t, domain.ToolCallStatusRunning, tc.Status)
	assert.Equal(t, 80.0, tc.Progress)
	assert.Equal(t, "30 results", tc.Preview)

	require.NoError(t, e.EmitToolCallChunk("tc1", " more"))
	tc, _ = e.ToolCall("tc1")
	assert.Equal(t, domain.ToolCallStatusStreaming, tc.Status)
	assert.Equal(t, "30 results more", tc.Preview)
}

func TestEmitterToolCallRetryAndFailure(t *testing.T) {
	e, c, _ := newTestEmitter(t)

	require.NoError(t, e.EmitToolCallStarted("tc1", "scholar.fetch", "", nil))
	require.NoError(t, e.EmitToolCallFailed("tc1", "timeout", true))
	require.NoError(t, e.EmitToolCallRetry("tc1", 2, "timeout"))
	require.NoError(t, e.EmitToolCallStarted("tc1", "scholar.fetch", "", nil))
	e.Flush()

	tc, ok := e.ToolCall("tc1")
	require.True(t, ok)
	assert.Equal(t, 2, tc.Attempt)
	assert.Equal(t, domain.ToolCallStatusRunning, tc.Status)

	events := c.events()
	require.Len(t, events, 4)
	assert.Equal(t, domain.EventTypeToolError, events[1].EventType)
	assert.Equal(t, domain.EventTypeRetry, events[2].EventType)
	assert.Equal(t, "2", events[2].AttemptID)
}

func TestEmitterUnknownEntities(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	assert.ErrorIs(t, e.EmitStepProgress("missing", 10, ""), ErrUnknownEntity)
	assert.ErrorIs(t, e.EmitToolCallProgress("missing", 10, ""), ErrUnknownEntity)
	assert.ErrorIs(t, e.EmitArtifactReady("missing", "", 0), ErrUnknownEntity)
	assert.Equal(t, int64(0), e.ExecSeq())
}

func TestEmitterArtifacts(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	require.NoError(t, e.EmitArtifactDeclared("a1", "results.xlsx", "spreadsheet", "application/vnd.ms-excel"))
	require.NoError(t, e.EmitArtifactDeclared("a2", "report.docx", "document", ""))
	require.NoError(t, e.EmitArtifactProgress("a1", 50))
	require.NoError(t, e.EmitArtifactReady("a1", "/files/results.xlsx", 2048))
	require.NoError(t, e.EmitArtifactFailed("a2", "template missing"))

	arts := e.Artifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, "a1", arts[0].ID)
	assert.Equal(t, domain.ArtifactStatusReady, arts[0].Status)
	assert.Equal(t, int64(2048), arts[0].SizeBytes)
	assert.Equal(t, domain.ArtifactStatusFailed, arts[1].Status)
}

func TestEmitterRunCompletedCountsArtifacts(t *testing.T) {
	e, _, execs := newTestEmitter(t)

	require.NoError(t, e.EmitRunStarted("q", 10))
	require.NoError(t, e.EmitArtifactDeclared("a1", "out.csv", "table", "text/csv"))
	require.NoError(t, e.EmitRunCompleted("done"))

	last := (*execs)[len(*execs)-1]
	data, ok := last.Data.(domain.RunCompletedData)
	require.True(t, ok)
	assert.Equal(t, 1, data.ArtifactCount)

	raw, err := json.Marshal(last)
	require.NoError(t, err)
	var decoded domain.ExecutionEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, domain.ExecRunCompleted, decoded.Type)
	assert.Equal(t, data, decoded.Data)
}

func TestEmitterPlanRegistersSteps(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	plan := domain.Plan{ID: "p1", Title: "Search", Steps: []domain.Step{
		{ID: "s1", Kind: domain.StepKindResearch, Title: "Query databases"},
		{ID: "s2", Kind: domain.StepKindGenerate, Title: "Export"},
	}}
	require.NoError(t, e.EmitPlanCreated(plan))

	st, ok := e.Step("s2")
	require.True(t, ok)
	assert.Equal(t, domain.StepStatusPending, st.Status)
	require.NoError(t, e.EmitStepProgress("s2", 30, "writing rows"))
}

func TestEmitterDestroyRejectsEvents(t *testing.T) {
	e, _, _ := newTestEmitter(t)
	e.Destroy()
	assert.ErrorIs(t, e.EmitInfo("late", ""), ErrBusClosed)
	_, err := e.SubscribeExecution(func(domain.ExecutionEvent) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEmitterInvalidMirrorPublishesNothing(t *testing.T) {
	e, c, execs := newTestEmitter(t)

	require.NoError(t, e.EmitInfo("hello", ""))
	before := e.Seq()

	err := e.EmitToolCallStarted("tc1", "openalex.search", "", map[string]any{"cursor": make(chan int)})
	require.Error(t, err)
	assert.Equal(t, int64(1), e.ExecSeq())
	assert.Equal(t, before, e.Seq())
	require.Len(t, *execs, 1)

	require.NoError(t, e.EmitToolCallStarted("tc2", "openalex.search", "", nil))
	require.Len(t, *execs, 2)
	assert.Equal(t, int64(2), (*execs)[1].Seq)

	e.Flush()
	mirrored := c.events()
	require.NotEmpty(t, mirrored)
	last := mirrored[len(mirrored)-1]
	assert.Equal(t, domain.EventTypeToolStart, last.EventType)
	assert.EqualValues(t, 2, last.Metrics["exec_seq"])
}

func TestTailKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	for n := 1; n <= len(s); n++ {
		got := tail(s, n)
		assert.True(t, utf8.ValidString(got), "n=%d", n)
		assert.LessOrEqual(t, len(got), n)
		assert.True(t, strings.HasSuffix(s, got))
	}
	assert.Equal(t, "é", tail("aé", 2))
	assert.Equal(t, "", tail("é", 1))
	assert.Equal(t, "abc", tail("abc", 5))
}

func TestEmitterToolCallPreviewStaysValidUTF8(t *testing.T) {
	e, _, _ := newTestEmitter(t)

	require.NoError(t, e.EmitToolCallStarted("tc1", "openalex.search", "", nil))
	require.NoError(t, e.EmitToolCallChunk("tc1", "a"+strings.Repeat("日本", previewLimit)))
	tc, ok := e.ToolCall("tc1")
	require.True(t, ok)
	assert.True(t, utf8.ValidString(tc.Preview))
	assert.LessOrEqual(t, len(tc.Preview), previewLimit)
	assert.NotEmpty(t, tc.Preview)
}
