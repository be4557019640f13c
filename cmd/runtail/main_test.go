package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/eventstore"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/service"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
	server "github.com/Carrerajorge/Hola-sub007/internal/transport/http"
	"github.com/Carrerajorge/Hola-sub007/policy"
	"github.com/Carrerajorge/Hola-sub007/tests/helpers"
)

func startServer(t *testing.T, job pipeline.Job) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	events := eventstore.NewRegistry(ctx, helpers.NewTestSQLiteStore(t), eventstore.Config{FlushInterval: 10 * time.Millisecond})
	gw := gateway.New(ctx, events, gateway.Config{HeartbeatInterval: time.Hour, ReplayInterval: time.Microsecond})
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	svc := service.New(ctx, service.Config{
		Bus:          tracebus.Config{FlushInterval: 5 * time.Millisecond},
		CleanupDelay: time.Hour,
		Contract:     contract.Contract{RequiredFields: []string{"title"}},
	}, gw, events, engine, job)

	srv := httptest.NewServer(server.NewServer(svc))
	t.Cleanup(func() {
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		svc.Shutdown(shutdownCtx)
		_ = events.CloseAll(shutdownCtx)
	})
	return srv
}

func TestTailCompletedRun(t *testing.T) {
	srv := startServer(t, pipeline.NewSimulatedJob(time.Millisecond))
	client := NewClient(srv.URL + "/")
	ctx := context.Background()

	runID, err := client.CreateRun(ctx, domain.CreateRunRequest{Prompt: "solid state electrolytes", TargetCount: 5})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	var out bytes.Buffer
	reason, err := client.Tail(ctx, runID, 0, &out)
	require.NoError(t, err)
	assert.Equal(t, gateway.ReasonCompleted, reason)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, out.String(), " run_completed ")
	assert.Contains(t, lines[len(lines)-1], "stream_end")
	assert.Contains(t, lines[len(lines)-1], "reason=run_completed")
	assert.NotContains(t, out.String(), "heartbeat")
}

func TestTailCancelledByContext(t *testing.T) {
	block := pipeline.JobFunc(func(ctx context.Context, req pipeline.RunRequest, signals chan<- pipeline.Signal) (*pipeline.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := startServer(t, block)
	client := NewClient(srv.URL)

	runID, err := client.CreateRun(context.Background(), domain.CreateRunRequest{Prompt: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Tail(ctx, runID, 0, &bytes.Buffer{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, client.CancelRun(context.Background(), runID))
	assert.Error(t, client.CancelRun(context.Background(), runID))
}

func TestCreateRunRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many concurrent runs"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CreateRun(context.Background(), domain.CreateRunRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestFormatFrame(t *testing.T) {
	f := domain.Frame{
		ID:    7,
		Event: "progress_update",
		Data:  []byte(`{"seq":7,"event_type":"progress_update","phase":"verification","progress":42.5,"message":"verifying"}`),
	}
	line := formatFrame(f)
	assert.Contains(t, line, "progress_update")
	assert.Contains(t, line, "verification")
	assert.Contains(t, line, " 42.5%")
	assert.True(t, strings.HasSuffix(line, "verifying"))

	raw := formatFrame(domain.Frame{ID: 1, Event: "x", Data: []byte(`"not an object"`)})
	assert.Contains(t, raw, `"not an object"`)
}
