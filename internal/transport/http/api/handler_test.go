package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/service"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
	"github.com/Carrerajorge/Hola-sub007/policy"
	"github.com/Carrerajorge/Hola-sub007/tests/helpers"
)

// waitJob blocks until its context is cancelled.
var waitJob = pipeline.JobFunc(func(ctx context.Context, req pipeline.RunRequest, signals chan<- pipeline.Signal) (*pipeline.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

func newTestServer(t *testing.T, cfg service.Config, job pipeline.Job) *echo.Echo {
	t.Helper()
	ctx := context.Background()
	events := eventstore.NewRegistry(ctx, helpers.NewTestSQLiteStore(t), eventstore.Config{FlushInterval: 10 * time.Millisecond})
	gw := gateway.New(ctx, events, gateway.Config{HeartbeatInterval: time.Hour, ReplayInterval: time.Microsecond})
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg.Bus = tracebus.Config{FlushInterval: 5 * time.Millisecond}
	cfg.CleanupDelay = time.Hour
	cfg.Contract = contract.Contract{RequiredFields: []string{"title"}}
	svc := service.New(ctx, cfg, gw, events, engine, job)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		svc.Shutdown(shutdownCtx)
		_ = events.CloseAll(shutdownCtx)
	})

	e := echo.New()
	NewHandler(svc).RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createRun(t *testing.T, e *echo.Echo) domain.CreateRunResponse {
	t.Helper()
	rec := do(e, http.MethodPost, "/runs", `{"prompt":"graphene batteries","targetCount":10}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp domain.CreateRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func waitStatus(t *testing.T, e *echo.Echo, runID string, want domain.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := do(e, http.MethodGet, "/runs/"+runID, "", nil)
		var view domain.RunView
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &view) == nil && view.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateRunValidation(t *testing.T) {
	e := newTestServer(t, service.Config{}, waitJob)

	rec := do(e, http.MethodPost, "/runs", `{"targetCount":5}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"prompt is required"}`, rec.Body.String())

	rec = do(e, http.MethodPost, "/runs", `{"prompt":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetRun(t *testing.T) {
	e := newTestServer(t, service.Config{}, pipeline.NewSimulatedJob(0))
	resp := createRun(t, e)

	assert.True(t, strings.HasPrefix(resp.RunID, "run_"))
	assert.Equal(t, domain.RunStatusPending, resp.Status)
	assert.Equal(t, "/runs/"+resp.RunID+"/events", resp.StreamURL)
	assert.False(t, resp.CreatedAt.IsZero())

	waitStatus(t, e, resp.RunID, domain.RunStatusCompleted)

	rec := do(e, http.MethodGet, "/runs/run_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/runs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []domain.RunView `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, resp.RunID, list.Runs[0].RunID)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/runs?limit=x", "", nil).Code)
}

func TestCreateRunTooManyRuns(t *testing.T) {
	e := newTestServer(t, service.Config{MaxConcurrent: 1, RetryAfter: 1500 * time.Millisecond}, waitJob)
	createRun(t, e)

	rec := do(e, http.MethodPost, "/runs", `{"prompt":"again"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body domain.TooManyRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.TooManyRunsResponse{
		Error:         "too many concurrent runs",
		MaxConcurrent: 1,
		Current:       1,
		RetryAfterMs:  1500,
	}, body)
}

func TestCancelRun(t *testing.T) {
	e := newTestServer(t, service.Config{}, waitJob)
	resp := createRun(t, e)

	rec := do(e, http.MethodPost, "/runs/"+resp.RunID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_id":"`+resp.RunID+`","status":"cancelled"}`, rec.Body.String())

	rec = do(e, http.MethodPost, "/runs/"+resp.RunID+"/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/runs/run_missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsOfFinishedRun(t *testing.T) {
	e := newTestServer(t, service.Config{}, pipeline.NewSimulatedJob(0))
	resp := createRun(t, e)
	waitStatus(t, e, resp.RunID, domain.RunStatusCompleted)

	var body string
	require.Eventually(t, func() bool {
		rec := do(e, http.MethodGet, resp.StreamURL, "", nil)
		body = rec.Body.String()
		return strings.Contains(body, "event: run_completed\n")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, strings.HasPrefix(body, "id: 0\nevent: heartbeat\ndata: {"))
	assert.Contains(t, body, "id: 1\nevent: run_started\n")
	assert.Contains(t, body, `"reason":"run_completed"`)

	rec := do(e, http.MethodGet, resp.StreamURL, "", map[string]string{"Last-Event-ID": "3"})
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id: 3\nevent: heartbeat\n"))
	assert.NotContains(t, rec.Body.String(), "event: run_started\n")
	assert.Contains(t, rec.Body.String(), "id: 4\nevent:")

	rec = do(e, http.MethodGet, resp.StreamURL+"?from=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEventsOfUnknownRun(t *testing.T) {
	e := newTestServer(t, service.Config{}, waitJob)
	rec := do(e, http.MethodGet, "/runs/run_missing/events", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: stream_end\n")
	assert.Contains(t, rec.Body.String(), `"reason":"history_complete"`)
}

func TestStreamWS(t *testing.T) {
	e := newTestServer(t, service.Config{}, pipeline.NewSimulatedJob(0))
	resp := createRun(t, e)
	waitStatus(t, e, resp.RunID, domain.RunStatusCompleted)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + resp.RunID + "/ws?from=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []domain.Frame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f domain.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
		if f.Event == domain.FrameEventStreamEnd {
			break
		}
	}
	require.NotEmpty(t, frames)
	assert.Equal(t, string(domain.EventTypeHeartbeat), frames[0].Event)
	assert.Equal(t, domain.FrameEventStreamEnd, frames[len(frames)-1].Event)
	assert.Equal(t, string(domain.EventTypeRunStarted), frames[1].Event)
}

func TestControllerEndpoints(t *testing.T) {
	e := newTestServer(t, service.Config{}, pipeline.NewSimulatedJob(0))
	resp := createRun(t, e)
	waitStatus(t, e, resp.RunID, domain.RunStatusCompleted)

	rec := do(e, http.MethodGet, "/runs/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m service.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, int64(1), m.Created)
	assert.Equal(t, 1, m.Registered)

	rec = do(e, http.MethodPost, "/runs/cleanup", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.GCReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{resp.RunID}, report.Removed)

	rec = do(e, http.MethodGet, "/runs/"+resp.RunID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.RunView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, service.SourceStore, view.Source)

	rec = do(e, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"0.1.0"}`, rec.Body.String())
}
