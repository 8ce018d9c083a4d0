package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers so per-session seq/timestamp assignment never races
	now     func() time.Time
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewWithDB(db)
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already opened database. The schema is not created.
func NewWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now, retry: shared.DefaultRetryPolicy}
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		problem_id TEXT NOT NULL,
		problem TEXT NOT NULL,
		current_stage_id TEXT NOT NULL,
		completed_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL,
		phase_id TEXT,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS stage_transitions (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	completed := session.Completed
	if completed == nil {
		completed = domain.CompletedTasks{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("marshal completed tasks: %w", err)
	}

	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
		INSERT INTO sessions (id, user_id, user_name, problem_id, problem,
			current_stage_id, completed_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, "create session", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.UserID, session.UserName, session.ProblemID, session.Problem,
			session.CurrentStageID, string(completedJSON),
			session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, user_id, user_name, problem_id, problem,
	current_stage_id, completed_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var completedJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&session.ID, &session.UserID, &session.UserName, &session.ProblemID, &session.Problem,
		&session.CurrentStageID, &completedJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	session.Completed = domain.CompletedTasks{}
	if err := json.Unmarshal([]byte(completedJSON), &session.Completed); err != nil {
		// A corrupt map is treated as no progress rather than a dead session.
		slog.Warn("Discarding unreadable completed_json", "session_id", session.ID, "error", err)
		session.Completed = domain.CompletedTasks{}
	}
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)
	return &session, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendEvent assigns the next seq and a timestamp strictly after the
// session's previous event, then stores the event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	if !event.Type.Valid() {
		return fmt.Errorf("append event: unknown type %q", event.Type)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "append event", s.retry, func() error {
		return s.appendEventOnce(ctx, event)
	})
}

func (s *SQLiteStore) appendEventOnce(ctx context.Context, event *domain.Event) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("append event rollback failed", "session_id", event.SessionID, "error", rbErr)
			}
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, event.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append event to %s: %w", event.SessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}

	var lastSeq, lastTS int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(ts), 0) FROM events WHERE session_id = ?`,
		event.SessionID,
	).Scan(&lastSeq, &lastTS)
	if err != nil {
		return fmt.Errorf("read last event: %w", err)
	}

	ts := s.now().UnixNano()
	if ts <= lastTS {
		ts = lastTS + 1
	}

	var phaseID any
	if event.Meta.PhaseID != "" {
		phaseID = event.Meta.PhaseID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, session_id, seq, ts, type, source, sender_name, content, phase_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, lastSeq+1, ts, string(event.Type),
		event.Source, event.SenderName, event.Content, phaseID,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	event.Seq = lastSeq + 1
	event.Timestamp = time.Unix(0, ts)
	return nil
}

const eventColumns = `id, session_id, seq, ts, type, source, sender_name, content, phase_id`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var ts int64
	var eventType string
	var phaseID sql.NullString
	if err := row.Scan(&e.ID, &e.SessionID, &e.Seq, &ts, &eventType,
		&e.Source, &e.SenderName, &e.Content, &phaseID); err != nil {
		return domain.Event{}, err
	}
	e.Type = domain.EventType(eventType)
	e.Timestamp = time.Unix(0, ts)
	e.Meta.PhaseID = phaseID.String
	return e, nil
}

// ListEvents returns events in ascending order, optionally only the last limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + eventColumns + ` FROM events WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	events := []domain.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastEvent returns the newest event or nil when the log is empty.
func (s *SQLiteStore) LastEvent(ctx context.Context, sessionID string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan last event: %w", err)
	}
	return &e, nil
}

// UpdateProgress stores stage id and completed map atomically.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, sessionID, stageID string, completed domain.CompletedTasks) error {
	if completed == nil {
		completed = domain.CompletedTasks{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return fmt.Errorf("marshal completed tasks: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "update progress", s.retry, func() error {
		return s.updateProgressOnce(ctx, sessionID, stageID, string(completedJSON))
	})
}

func (s *SQLiteStore) updateProgressOnce(ctx context.Context, sessionID, stageID, completedJSON string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin progress update: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("progress rollback failed", "session_id", sessionID, "error", rbErr)
			}
		}
	}()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT current_stage_id FROM sessions WHERE id = ?`, sessionID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update progress for %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("read current stage: %w", err)
	}

	now := s.now().UnixNano()
	if _, err = tx.ExecContext(ctx,
		`UPDATE sessions SET current_stage_id = ?, completed_json = ?, updated_at = ? WHERE id = ?`,
		stageID, completedJSON, now, sessionID,
	); err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}

	if previous != stageID {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO stage_transitions (session_id, from_stage, to_stage, at) VALUES (?, ?, ?, ?)`,
			sessionID, previous, stageID, now,
		); err != nil {
			return fmt.Errorf("record stage transition: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit progress update: %w", err)
	}
	return nil
}
