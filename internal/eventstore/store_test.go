package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/tests/helpers"
)

// flakyRepo fails the next `failures` inserts with err.
type flakyRepo struct {
	Repository

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyRepo) InsertEvents(ctx context.Context, events []domain.TraceEvent) (int64, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return 0, f.err
	}
	f.mu.Unlock()
	return f.Repository.InsertEvents(ctx, events)
}

func (f *flakyRepo) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// gatedRepo holds every insert until release is closed.
type gatedRepo struct {
	Repository

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRepo(repo Repository) *gatedRepo {
	return &gatedRepo{Repository: repo, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRepo) InsertEvents(ctx context.Context, events []domain.TraceEvent) (int64, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Repository.InsertEvents(ctx, events)
}

func testConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Hour,
		MaxBuffer:     1000,
		MaxRetries:    3,
		Backoff:       []time.Duration{time.Millisecond},
		IdleTimeout:   time.Minute,
	}
}

func event(runID string, seq int64, typ domain.EventType) domain.TraceEvent {
	return domain.TraceEvent{
		RunID:     runID,
		Seq:       seq,
		TraceID:   "trace",
		SpanID:    "span_root",
		NodeID:    "run",
		AttemptID: "1",
		Agent:     "orchestrator",
		EventType: typ,
		Message:   fmt.Sprintf("event %d", seq),
		Ts:        1700000000000 + seq,
	}
}

func events(runID string, from, to int64) []domain.TraceEvent {
	var out []domain.TraceEvent
	for seq := from; seq <= to; seq++ {
		out = append(out, event(runID, seq, domain.EventTypeProgressUpdate))
	}
	return out
}

func newTestStore(t *testing.T, repo Repository, cfg Config) *Store {
	t.Helper()
	s := New(context.Background(), "r1", repo, cfg)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStoreFlushPersistsEvents(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	s := newTestStore(t, db, testConfig())

	require.NoError(t, s.AppendBatch(events("r1", 1, 5)))
	require.NoError(t, s.Flush(ctx))

	got, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	m := s.Metrics()
	assert.Equal(t, int64(5), m.Appended)
	assert.Equal(t, int64(5), m.Flushed)
	assert.Equal(t, 0, m.Buffered)
}

func TestStoreFlushesAtBatchSize(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	cfg := testConfig()
	cfg.BatchSize = 3
	s := newTestStore(t, db, cfg)

	require.NoError(t, s.AppendBatch(events("r1", 1, 3)))
	assert.Eventually(t, func() bool {
		got, err := db.GetEvents(ctx, "r1", 0, 0)
		return err == nil && len(got) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestStoreIdempotentReplay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("one row survives per (run_id, seq)", prop.ForAll(
		func(n, replays int) bool {
			ctx := context.Background()
			db := helpers.NewTestSQLiteStore(t)
			s := New(ctx, "r1", db, testConfig())
			defer s.Close(ctx)

			batch := events("r1", 1, int64(n))
			for i := 0; i <= replays; i++ {
				if err := s.AppendBatch(batch); err != nil {
					return false
				}
				if err := s.Flush(ctx); err != nil {
					return false
				}
			}
			got, err := db.GetEvents(ctx, "r1", 0, 0)
			if err != nil || len(got) != n {
				return false
			}
			m := s.Metrics()
			return m.Flushed == int64(n) && m.Duplicates == int64(n*replays)
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func TestStoreRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := &flakyRepo{Repository: db, failures: 2, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	s := newTestStore(t, repo, testConfig())

	require.NoError(t, s.AppendBatch(events("r1", 1, 4)))
	require.NoError(t, s.Flush(ctx))

	got, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, int64(2), s.Metrics().Retries)
	assert.Equal(t, 3, repo.calls)
}

func TestStoreRequeuesOnExhaustion(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := &flakyRepo{Repository: db, failures: 10, err: sqlite3.Error{Code: sqlite3.ErrLocked}}
	cfg := testConfig()
	cfg.MaxRetries = 1
	s := newTestStore(t, repo, cfg)

	require.NoError(t, s.AppendBatch(events("r1", 1, 3)))
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, int64(3), s.Metrics().Requeued)

	// new events queue behind the requeued batch
	require.NoError(t, s.Append(event("r1", 4, domain.EventTypeHeartbeat)))
	buffered, err := s.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, buffered, 4)

	repo.setFailures(0)
	require.NoError(t, s.Flush(ctx))
	got, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, 0, s.Len())
}

func TestStoreDropsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := &flakyRepo{Repository: db, failures: 1, err: errors.New("malformed row")}
	s := newTestStore(t, repo, testConfig())

	require.NoError(t, s.AppendBatch(events("r1", 1, 2)))
	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(2), s.Metrics().FailedEvents)
	assert.Equal(t, 1, repo.calls)
}

func TestStoreEvictsOldestTenth(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	cfg := testConfig()
	cfg.MaxBuffer = 100
	s := newTestStore(t, db, cfg)

	require.NoError(t, s.AppendBatch(events("r1", 1, 100)))
	assert.Equal(t, 100, s.Len())
	assert.Zero(t, s.Metrics().Evicted)

	require.NoError(t, s.Append(event("r1", 101, domain.EventTypeProgressUpdate)))
	assert.Equal(t, 91, s.Len())
	assert.Equal(t, int64(10), s.Metrics().Evicted)

	remaining, err := s.GetEvents(context.Background(), "r1", 0, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(11), remaining[0].Seq)
}

func TestStoreSkipsLiveOnlyEvents(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	s := newTestStore(t, db, testConfig())

	require.NoError(t, s.Append(event("r1", 1, domain.EventTypeThought)))
	assert.Equal(t, 0, s.Len())
	assert.Zero(t, s.Metrics().Appended)
}

func TestStoreReadsMergeBuffer(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	s := newTestStore(t, db, testConfig())

	require.NoError(t, s.Append(event("r1", 1, domain.EventTypeRunStarted)))
	require.NoError(t, s.AppendBatch(events("r1", 2, 3)))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.AppendBatch(events("r1", 4, 5)))
	require.NoError(t, s.Append(event("r1", 6, domain.EventTypeRunCompleted)))

	got, err := s.GetEvents(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(6), got[3].Seq)

	sum, err := s.GetRunSummary(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, domain.RunStatusCompleted, sum.Status)
	assert.Equal(t, int64(6), sum.EventCount)
	assert.Equal(t, int64(6), sum.LastSeq)
	assert.NotNil(t, sum.EndedAt)

	missing, err := s.GetRunSummary(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreCloseFlushesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	s := New(ctx, "r1", db, testConfig())

	require.NoError(t, s.AppendBatch(events("r1", 1, 3)))
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Append(event("r1", 4, domain.EventTypeHeartbeat)), ErrStoreClosed)

	got, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStoreIdle(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	s := newTestStore(t, db, testConfig())

	now := time.Now()
	assert.False(t, s.Idle(now))
	assert.True(t, s.Idle(now.Add(2*time.Minute)))

	require.NoError(t, s.Append(event("r1", 1, domain.EventTypeHeartbeat)))
	assert.False(t, s.Idle(now.Add(2*time.Minute)), "non-empty buffer is never idle")
}

func TestStoreReadsEventsBeingWritten(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := newGatedRepo(db)
	s := newTestStore(t, repo, testConfig())

	require.NoError(t, s.AppendBatch(events("r1", 1, 5)))
	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(ctx) }()
	<-repo.entered

	got, err := s.GetEvents(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+3), ev.Seq)
	}
	sum, err := s.GetRunSummary(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, int64(5), sum.LastSeq)
	assert.Equal(t, 5, s.Len())
	assert.False(t, s.Idle(time.Now().Add(time.Hour)), "a write in progress is never idle")

	require.NoError(t, s.Append(event("r1", 6, domain.EventTypeProgressUpdate)))
	got, err = s.GetEvents(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, int64(6), got[3].Seq)

	close(repo.release)
	require.NoError(t, <-flushed)
	durable, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, durable, 5)
	assert.Equal(t, 1, s.Len())

	got, err = s.GetEvents(ctx, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 4, "committed and buffered events are not duplicated")
}

func TestStoreCloseRetriesUnwrittenEvents(t *testing.T) {
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)
	repo := &flakyRepo{Repository: db, failures: 100, err: sqlite3.Error{Code: sqlite3.ErrBusy}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	s := New(ctx, "r1", repo, cfg)

	require.NoError(t, s.AppendBatch(events("r1", 1, 5)))
	err := s.Close(ctx)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 5, s.Len())

	repo.setFailures(0)
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, s.Len())
	got, err := db.GetEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
