package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// insertChunk bounds the rows of one INSERT statement so the bound
// parameters stay under the SQLite variable limit.
const insertChunk = 50

const traceEventColumns = `run_id, seq, trace_id, span_id, parent_span_id, node_id, attempt_id, agent,
	event_type, phase, message, status, progress, metrics, evidence, ts`

// SQLiteStore persists trace events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			node_id TEXT NOT NULL,
			attempt_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			event_type TEXT NOT NULL,
			phase TEXT,
			message TEXT NOT NULL DEFAULT '',
			status TEXT,
			progress REAL,
			metrics TEXT,
			evidence TEXT,
			ts INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_run ON trace_events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_run_seq ON trace_events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_span ON trace_events(span_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_type ON trace_events(event_type)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Databases created before evidence was recorded lack the column.
	return s.ensureColumn("trace_events", "evidence", "ALTER TABLE trace_events ADD COLUMN evidence TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvents writes events in one transaction on a single pooled
// connection. Rows whose (run_id, seq) already exist are skipped. It
// returns the number of rows actually inserted.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []domain.TraceEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	var inserted int64
	for start := 0; start < len(events); start += insertChunk {
		end := start + insertChunk
		if end > len(events) {
			end = len(events)
		}
		query, args, err := buildInsert(events[start:end])
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	return inserted, nil
}

func buildInsert(events []domain.TraceEvent) (string, []interface{}, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO trace_events (")
	b.WriteString(traceEventColumns)
	b.WriteString(") VALUES ")
	args := make([]interface{}, 0, len(events)*16)
	for i, ev := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		metrics, err := marshalMap(ev.Metrics)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal metrics of seq %d: %w", ev.Seq, err)
		}
		evidence, err := marshalMap(ev.Evidence)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal evidence of seq %d: %w", ev.Seq, err)
		}
		var progress sql.NullFloat64
		if ev.Progress != nil {
			progress = sql.NullFloat64{Float64: *ev.Progress, Valid: true}
		}
		args = append(args,
			ev.RunID, ev.Seq, ev.TraceID, ev.SpanID, nullString(ev.ParentSpanID), ev.NodeID, ev.AttemptID, ev.Agent,
			string(ev.EventType), nullString(string(ev.Phase)), ev.Message, nullString(ev.Status), progress,
			metrics, evidence, ev.Ts)
	}
	b.WriteString(" ON CONFLICT(run_id, seq) DO NOTHING")
	return b.String(), args, nil
}

// GetEvents returns events of runID with seq > afterSeq in seq order. A
// limit <= 0 returns every remaining event.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.TraceEvent, error) {
	query := `SELECT ` + traceEventColumns + ` FROM trace_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{runID, afterSeq}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TraceEvent
	for rows.Next() {
		var ev domain.TraceEvent
		var eventType string
		var parent, phase, status, metrics, evidence sql.NullString
		var progress sql.NullFloat64
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TraceID, &ev.SpanID, &parent, &ev.NodeID, &ev.AttemptID, &ev.Agent,
			&eventType, &phase, &ev.Message, &status, &progress, &metrics, &evidence, &ev.Ts); err != nil {
			return nil, err
		}
		ev.EventType = domain.EventType(eventType)
		ev.ParentSpanID = parent.String
		ev.Phase = domain.Phase(phase.String)
		ev.Status = status.String
		if progress.Valid {
			p := progress.Float64
			ev.Progress = &p
		}
		if ev.Metrics, err = unmarshalMap(metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics of seq %d: %w", ev.Seq, err)
		}
		if ev.Evidence, err = unmarshalMap(evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence of seq %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const summarySelect = `SELECT run_id, COUNT(*), MAX(seq), MIN(ts),
	MAX(CASE WHEN event_type IN ('run_completed', 'run_failed', 'run_cancelled') THEN ts END),
	MAX(event_type = 'run_started'), MAX(event_type = 'run_completed'),
	MAX(event_type = 'run_failed'), MAX(event_type = 'run_cancelled'),
	(SELECT t2.phase FROM trace_events t2
		WHERE t2.run_id = trace_events.run_id AND t2.phase IS NOT NULL AND t2.phase != ''
		ORDER BY t2.seq DESC LIMIT 1)
	FROM trace_events`

// GetRunSummary derives the summary of runID from its lifecycle markers.
// It returns nil when no event of the run is stored.
func (s *SQLiteStore) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, summarySelect+` WHERE run_id = ? GROUP BY run_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	summary, err := scanSummary(rows)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListRunSummaries returns the most recently started runs first.
func (s *SQLiteStore) ListRunSummaries(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	query := summarySelect + ` GROUP BY run_id ORDER BY MIN(ts) DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []domain.RunSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func scanSummary(rows *sql.Rows) (domain.RunSummary, error) {
	var summary domain.RunSummary
	var startedTs int64
	var endedTs sql.NullInt64
	var started, completed, failed, cancelled bool
	var lastPhase sql.NullString
	if err := rows.Scan(&summary.RunID, &summary.EventCount, &summary.LastSeq, &startedTs, &endedTs,
		&started, &completed, &failed, &cancelled, &lastPhase); err != nil {
		return summary, err
	}
	summary.Status = domain.StatusFromMarkers(started, completed, failed, cancelled)
	summary.LastPhase = domain.Phase(lastPhase.String)
	if started {
		t := time.UnixMilli(startedTs)
		summary.StartedAt = &t
	}
	if endedTs.Valid {
		t := time.UnixMilli(endedTs.Int64)
		summary.EndedAt = &t
	}
	return summary, nil
}

// IsRetryable reports whether err is a transient storage failure worth
// retrying: a busy or locked database, a dropped connection or a timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded)
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
