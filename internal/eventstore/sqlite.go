package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/choiros/sandbox/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable backend: a single process owns the file
// exclusively (spec.md §3 "Ownership & lifecycle"), synchronous Append
// persists before acknowledging, and a per-store mutex assigns seq so
// appends are linearizable within one store (spec.md §4.1).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// pragmas are applied once per connection, in order, before any
// migration runs.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
}

// OpenSQLite opens (creating if absent) a durable event store at dsn —
// typically a filesystem path, or ":memory:" for tests that still want
// the SQL code path exercised.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	return s, nil
}

// runMigrations applies every .sql file under migrations/ that isn't
// already recorded in schema_migrations, in lexical filename order.
func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	pending, err := s.pendingMigrations()
	if err != nil {
		return err
	}
	for _, name := range pending {
		if err := s.applyMigration(name); err != nil {
			return err
		}
	}
	return nil
}

// pendingMigrations returns migration filenames not yet present in
// schema_migrations, sorted so they apply in a deterministic order.
func (s *SQLiteStore) pendingMigrations() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	sort.Strings(candidates)

	var pending []string
	for _, name := range candidates {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", name).Scan(&count); err != nil {
			return nil, fmt.Errorf("check migration %s: %w", name, err)
		}
		if count == 0 {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// applyMigration executes one migration file and records it, both inside
// a single transaction so a failed migration never leaves a partial
// schema change recorded as applied.
func (s *SQLiteStore) applyMigration(name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, e AppendEvent) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, &Error{Op: "marshal payload", Err: err}
	}
	eventID := uuid.NewString()
	ts := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `INSERT INTO events
		(event_id, event_type, timestamp, payload, actor_id, user_id, session_id, thread_id, run_id, call_id, corr_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eventID, e.EventType, ts, string(payload), e.ActorID, e.UserID,
		nullable(e.SessionID), nullable(e.ThreadID), nullable(e.RunID), nullable(e.CallID), nullable(e.CorrID))
	if err != nil {
		return Event{}, &Error{Op: "insert event", Err: err}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, &Error{Op: "read seq", Err: err}
	}

	return Event{
		Seq:       seq,
		EventID:   eventID,
		EventType: e.EventType,
		Timestamp: ts,
		Payload:   e.Payload,
		ActorID:   e.ActorID,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		ThreadID:  e.ThreadID,
		RunID:     e.RunID,
		CallID:    e.CallID,
		CorrID:    e.CorrID,
	}, nil
}

// AppendAsync fires the insert on a background goroutine. Per spec.md
// §4.1, on failure it logs and drops rather than propagating — the caller
// has already returned and has no channel to receive the error on.
func (s *SQLiteStore) AppendAsync(ctx context.Context, e AppendEvent) {
	go func() {
		if _, err := s.Append(context.Background(), e); err != nil {
			logger.Component("eventstore").Error("async append dropped", "event_type", e.EventType, "error", err)
		}
	}()
	_ = ctx
}

func (s *SQLiteStore) GetRecentEvents(ctx context.Context, sinceSeq int64, limit int, typePrefix, actorID, userID string) ([]Event, error) {
	query := "SELECT seq, event_id, event_type, timestamp, payload, actor_id, user_id, session_id, thread_id, run_id, call_id, corr_id FROM events WHERE seq > ?"
	args := []any{sinceSeq}
	if actorID != "" {
		query += " AND actor_id = ?"
		args = append(args, actorID)
	}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit*4) // over-fetch to allow in-Go prefix filtering
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &Error{Op: "query recent events", Err: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if !matchesPrefix(ev.EventType, typePrefix) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEventsForActor(ctx context.Context, actorID string, sinceSeq int64) ([]Event, error) {
	return s.GetRecentEvents(ctx, sinceSeq, 0, "", actorID, "")
}

func (s *SQLiteStore) GetEventsByCorrID(ctx context.Context, corrID, typePrefix string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, event_id, event_type, timestamp, payload, actor_id, user_id, session_id, thread_id, run_id, call_id, corr_id
		FROM events WHERE corr_id = ? ORDER BY seq ASC`, corrID)
	if err != nil {
		return nil, &Error{Op: "query by corr_id", Err: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if !matchesPrefix(ev.EventType, typePrefix) {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLatestHarnessCheckpoint(ctx context.Context, runID string) (Event, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, event_id, event_type, timestamp, payload, actor_id, user_id, session_id, thread_id, run_id, call_id, corr_id
		FROM events WHERE run_id = ? AND event_type = 'harness.checkpoint' ORDER BY seq ASC`, runID)
	if err != nil {
		return Event{}, false, &Error{Op: "query checkpoints", Err: err}
	}
	defer rows.Close()

	var best Event
	found := false
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return Event{}, false, err
		}
		if !found || checkpointTurnNumber(ev) > checkpointTurnNumber(best) {
			best = ev
			found = true
		}
	}
	return best, found, rows.Err()
}

func (s *SQLiteStore) GetLatestSeq(ctx context.Context) (int64, bool, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&seq); err != nil {
		return 0, false, &Error{Op: "query latest seq", Err: err}
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return seq.Int64, true, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (Event, error) {
	var (
		ev        Event
		payload   string
		sessionID sql.NullString
		threadID  sql.NullString
		runID     sql.NullString
		callID    sql.NullString
		corrID    sql.NullString
	)
	if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.EventType, &ev.Timestamp, &payload,
		&ev.ActorID, &ev.UserID, &sessionID, &threadID, &runID, &callID, &corrID); err != nil {
		return Event{}, &Error{Op: "scan event", Err: err}
	}
	ev.SessionID = sessionID.String
	ev.ThreadID = threadID.String
	ev.RunID = runID.String
	ev.CallID = callID.String
	ev.CorrID = corrID.String
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return Event{}, &Error{Op: "unmarshal payload", Err: err}
		}
	}
	return ev, nil
}
