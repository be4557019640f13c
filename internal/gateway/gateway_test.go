package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
	"github.com/Carrerajorge/Hola-sub007/tests/helpers"
)

type recorder struct {
	mu     sync.Mutex
	frames []domain.Frame
	// gate blocks every write after the first until it is closed.
	gate chan struct{}
}

func (r *recorder) WriteFrame(f domain.Frame) error {
	r.mu.Lock()
	n := len(r.frames)
	r.mu.Unlock()
	if r.gate != nil && n >= 1 {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) snapshot() []domain.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Frame(nil), r.frames...)
}

// eventSeqs returns the seq of every trace event frame.
func (r *recorder) eventSeqs() []int64 {
	var out []int64
	for _, f := range r.snapshot() {
		if f.Event == domain.FrameEventStreamEnd || f.Event == string(domain.EventTypeHeartbeat) {
			continue
		}
		out = append(out, f.ID)
	}
	return out
}

func (r *recorder) last() domain.Frame {
	frames := r.snapshot()
	return frames[len(frames)-1]
}

func streamEnd(t *testing.T, f domain.Frame) domain.StreamEndData {
	t.Helper()
	require.Equal(t, domain.FrameEventStreamEnd, f.Event)
	var data domain.StreamEndData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	return data
}

type fixture struct {
	gw  *Gateway
	reg *eventstore.Registry
	bus *tracebus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := eventstore.NewRegistry(ctx, helpers.NewTestSQLiteStore(t), eventstore.Config{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		Backoff:       []time.Duration{time.Millisecond},
	})
	t.Cleanup(func() { _ = reg.CloseAll(ctx) })
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.ReplayInterval == 0 {
		cfg.ReplayInterval = time.Microsecond
	}
	gw := New(ctx, reg, cfg)
	bus := tracebus.New("r1", tracebus.Config{FlushInterval: time.Hour})
	t.Cleanup(bus.Destroy)
	require.NoError(t, gw.RegisterRun("r1", bus))
	t.Cleanup(gw.Shutdown)
	return &fixture{gw: gw, reg: reg, bus: bus}
}

func (f *fixture) progress(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.bus.Progress(domain.PhaseSignals, float64(i), "working", nil))
	}
	f.bus.Flush()
}

func (f *fixture) connect(t *testing.T, w FrameWriter, lastSeq int64) <-chan error {
	t.Helper()
	before := f.gw.ClientCount("r1")
	done := make(chan error, 1)
	go func() { done <- f.gw.Connect(context.Background(), w, "r1", lastSeq) }()
	require.Eventually(t, func() bool { return f.gw.ClientCount("r1") > before }, time.Second, time.Millisecond)
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestGatewayLiveStream(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &recorder{}
	done := f.connect(t, rec, 0)

	f.progress(t, 3)
	require.NoError(t, f.bus.RunCompleted("done", nil))
	wait(t, done)

	frames := rec.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, string(domain.EventTypeHeartbeat), frames[0].Event)
	assert.Contains(t, string(frames[0].Data), `"type":"connected"`)
	assert.Equal(t, []int64{1, 2, 3, 4}, rec.eventSeqs())
	assert.Equal(t, ReasonCompleted, streamEnd(t, rec.last()).Reason)
	assert.Equal(t, 0, f.gw.ClientCount("r1"))
}

func TestGatewayPersistsBeforeBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	f.progress(t, 5)

	events, err := f.reg.GetEvents(context.Background(), "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestGatewayReplayThenLiveWithoutGapOrDuplicate(t *testing.T) {
	f := newFixture(t, Config{ReplayPageSize: 3})
	f.progress(t, 10)

	rec := &recorder{}
	done := f.connect(t, rec, 4)

	// live events race the replay
	for i := 0; i < 10; i++ {
		require.NoError(t, f.bus.Progress(domain.PhaseSignals, 50, "live", nil))
		f.bus.Flush()
	}
	require.NoError(t, f.bus.RunCompleted("done", nil))
	wait(t, done)

	var want []int64
	for seq := int64(5); seq <= 21; seq++ {
		want = append(want, seq)
	}
	assert.Equal(t, want, rec.eventSeqs())
	assert.Equal(t, int64(21), streamEnd(t, rec.last()).LastSeq)
}

func TestGatewayHistoryForUnregisteredRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.progress(t, 2)
	require.NoError(t, f.bus.RunFailed("boom", ""))
	f.gw.UnregisterRun("r1")
	assert.False(t, f.gw.Registered("r1"))

	rec := &recorder{}
	require.NoError(t, f.gw.Connect(context.Background(), rec, "r1", 0))
	assert.Equal(t, []int64{1, 2, 3}, rec.eventSeqs())
	assert.Equal(t, ReasonFailed, streamEnd(t, rec.last()).Reason)

	rec = &recorder{}
	require.NoError(t, f.gw.Connect(context.Background(), rec, "unknown", 0))
	assert.Empty(t, rec.eventSeqs())
	assert.Equal(t, ReasonHistory, streamEnd(t, rec.last()).Reason)
}

func TestGatewayFinishedRunStillRegistered(t *testing.T) {
	f := newFixture(t, Config{})
	f.progress(t, 2)
	require.NoError(t, f.bus.RunCancelled("user"))

	rec := &recorder{}
	require.NoError(t, f.gw.Connect(context.Background(), rec, "r1", 0))
	assert.Equal(t, []int64{1, 2, 3}, rec.eventSeqs())
	assert.Equal(t, ReasonCancelled, streamEnd(t, rec.last()).Reason)
}

func TestGatewayDisconnectsSlowClient(t *testing.T) {
	f := newFixture(t, Config{SendBuffer: 2})
	rec := &recorder{gate: make(chan struct{})}
	done := f.connect(t, rec, 0)

	// the client is stuck after the connected frame, so its queue overflows
	f.progress(t, 5)
	require.Eventually(t, func() bool { return f.gw.ClientCount("r1") == 0 }, time.Second, time.Millisecond)
	close(rec.gate)
	wait(t, done)

	assert.Equal(t, int64(1), f.gw.Metrics().SlowClients)
	assert.Equal(t, ReasonSlowClient, streamEnd(t, rec.last()).Reason)
	assert.LessOrEqual(t, len(rec.eventSeqs()), 3)
}

func TestGatewayClientTimeout(t *testing.T) {
	f := newFixture(t, Config{ClientTimeout: 30 * time.Millisecond})
	rec := &recorder{}
	done := f.connect(t, rec, 0)
	wait(t, done)

	assert.Equal(t, ReasonTimeout, streamEnd(t, rec.last()).Reason)
	assert.Equal(t, int64(1), f.gw.Metrics().Timeouts)
	assert.Equal(t, 0, f.gw.ClientCount("r1"))
}

func TestGatewayHeartbeatOnlyWithClients(t *testing.T) {
	f := newFixture(t, Config{HeartbeatInterval: 5 * time.Millisecond})
	assert.False(t, f.gw.heartbeatActive("r1"))

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.gw.Connect(ctx, rec, "r1", 0) }()

	require.Eventually(t, func() bool { return f.gw.heartbeatActive("r1") }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, time.Second, time.Millisecond)
	cancel()
	wait(t, done)
	assert.False(t, f.gw.heartbeatActive("r1"))

	time.Sleep(10 * time.Millisecond)
	seq := f.bus.Seq()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seq, f.bus.Seq(), "no heartbeat without clients")
}

func TestGatewayUnregisterDisconnectsClients(t *testing.T) {
	f := newFixture(t, Config{})
	a, b := &recorder{}, &recorder{}
	doneA := f.connect(t, a, 0)
	doneB := f.connect(t, b, 0)
	assert.Equal(t, 2, f.gw.ClientCount("r1"))

	f.gw.UnregisterRun("r1")
	f.gw.UnregisterRun("r1")
	wait(t, doneA)
	wait(t, doneB)

	assert.Equal(t, ReasonUnregistered, streamEnd(t, a.last()).Reason)
	assert.Equal(t, ReasonUnregistered, streamEnd(t, b.last()).Reason)
	assert.Equal(t, int64(0), f.gw.Metrics().ActiveClients)
}

func TestGatewayRejectsDuplicateRegistration(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Error(t, f.gw.RegisterRun("r1", f.bus))
}

func TestServeSSEFormat(t *testing.T) {
	f := newFixture(t, Config{})
	f.progress(t, 1)
	require.NoError(t, f.bus.RunCompleted("done", nil))
	f.gw.UnregisterRun("r1")

	rec := httptest.NewRecorder()
	require.NoError(t, f.gw.ServeSSE(context.Background(), rec, "r1", 0))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: progress_update\ndata: {")
	assert.Contains(t, body, "id: 2\nevent: run_completed\n")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Contains(t, body, "event: stream_end\n")
}
