// Package storage persists session state and conversation snapshots in
// a local libsql database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	_ "github.com/tursodatabase/go-libsql"
)

// ErrNotFound is returned when a requested session or snapshot row does
// not exist.
var ErrNotFound = errors.New("not found")

// Store is a libsql-backed persistence layer holding one row per
// session and one row per snapshot. Snapshot payloads are opaque JSON
// blobs; callers serialize and deserialize them.
type Store struct {
	db *sql.DB
}

// OpenDefault opens the store at the standard location under the user's
// ollm directory.
func OpenDefault() (*Store, error) {
	dbPath, err := DefaultPathManager.DatabasePath()
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	return Open(dbPath)
}

// Open opens the database at dbPath, creating it and its parent
// directory if necessary, and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Debug("store opened", "path", dbPath)
	return &Store{db: db}, nil
}

// SaveSession inserts or updates a session row. The original created_at
// survives updates.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	query := `INSERT INTO sessions (id, model, max_tokens, token_count, message_count, created_at, updated_at, state)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              model = excluded.model,
	              max_tokens = excluded.max_tokens,
	              token_count = excluded.token_count,
	              message_count = excluded.message_count,
	              updated_at = excluded.updated_at,
	              state = excluded.state`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Model, rec.MaxTokens, rec.TokenCount, rec.MessageCount,
		rec.CreatedAt, rec.UpdatedAt, string(rec.State))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

// GetSession retrieves a session row by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT id, model, max_tokens, token_count, message_count, created_at, updated_at, state
	          FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var rec SessionRecord
	var state sql.NullString

	err := row.Scan(&rec.ID, &rec.Model, &rec.MaxTokens, &rec.TokenCount,
		&rec.MessageCount, &rec.CreatedAt, &rec.UpdatedAt, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if state.Valid && state.String != "" {
		rec.State = []byte(state.String)
	}

	return &rec, nil
}

// ListSessions returns session summaries ordered most recently updated
// first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]SessionSummary, error) {
	query := `SELECT id, model, updated_at, message_count, token_count
	          FROM sessions
	          ORDER BY updated_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Model, &sum.UpdatedAt, &sum.MessageCount, &sum.TokenCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session row and all of its snapshots in one
// transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session snapshots: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// SaveSnapshot writes a snapshot row inside a transaction. The row is
// invisible to Get and List until the transaction commits.
func (s *Store) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot write: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO snapshots (id, session_id, created_at, token_count, summary, payload)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.CreatedAt, rec.TokenCount, rec.Summary, string(rec.Payload))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return tx.Commit()
}

// GetSnapshot retrieves a snapshot row, payload included, by ID.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error) {
	query := `SELECT id, session_id, created_at, token_count, summary, payload
	          FROM snapshots WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var rec SnapshotRecord
	var payload string

	err := row.Scan(&rec.ID, &rec.SessionID, &rec.CreatedAt, &rec.TokenCount, &rec.Summary, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	rec.Payload = []byte(payload)
	return &rec, nil
}

// ListSnapshots returns snapshot listings for a session, newest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]SnapshotInfo, error) {
	query := `SELECT id, session_id, created_at, token_count, summary
	          FROM snapshots WHERE session_id = ?
	          ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.ID, &info.SessionID, &info.CreatedAt, &info.TokenCount, &info.Summary); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	return infos, nil
}

// DeleteSnapshot removes a snapshot row by ID.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneSnapshots deletes all but the keep most recent snapshots of a
// session and returns the number removed.
func (s *Store) PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	query := `DELETE FROM snapshots
	          WHERE session_id = ? AND id NOT IN (
	              SELECT id FROM snapshots WHERE session_id = ?
	              ORDER BY created_at DESC, rowid DESC
	              LIMIT ?)`

	res, err := s.db.ExecContext(ctx, query, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}

	return int(n), nil
}

// Stats returns row counts and the token total across sessions.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var sessions int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	stats["sessions"] = sessions

	var snapshots int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&snapshots); err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}
	stats["snapshots"] = snapshots

	var tokens sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(token_count) FROM sessions`).Scan(&tokens); err != nil {
		return nil, fmt.Errorf("sum session tokens: %w", err)
	}
	stats["session_tokens"] = tokens.Int64

	return stats, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    max_tokens INTEGER NOT NULL DEFAULT 0,
    token_count INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    state TEXT
);

CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, created_at DESC);
`
