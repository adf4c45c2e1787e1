// Package history provides the durable per-session conversation log: an
// append-only message store with tail retrieval for rebuilding model-visible
// context and paginated listings for audit/UI use.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lembra-ai/lembra/core"
)

// Store is the SQLite-backed message log. Safe for concurrent use; writes
// serialize through the connection pool over a single database file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			ts REAL NOT NULL,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current time as fractional unix seconds, matching the
// REAL ts/created_at columns.
func now() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions(created_at) VALUES (?)", now())
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// AddMessage appends one message with the current timestamp. The session id
// is not validated here: appends to an unknown session simply never surface
// in reads scoped to real sessions.
func (s *Store) AddMessage(ctx context.Context, sessionID int64, role core.Role, content core.Content) error {
	stored, err := content.EncodeStored()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages(session_id, ts, role, content_json) VALUES (?, ?, ?, ?)",
		sessionID, now(), string(role), stored)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// LoadTail returns the last n messages of a session in chronological order,
// projected to {role, content} for the chat service. Sessions with fewer
// than n messages return what exists; unknown sessions return nothing.
func (s *Store) LoadTail(ctx context.Context, sessionID int64, n int) ([]core.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content_json
		FROM messages
		WHERE session_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	defer rows.Close()

	var tail []core.ChatMessage
	for rows.Next() {
		var role, stored string
		if err := rows.Scan(&role, &stored); err != nil {
			return nil, fmt.Errorf("load tail: %w", err)
		}
		content, err := core.DecodeStored(stored)
		if err != nil {
			return nil, err
		}
		tail = append(tail, core.ChatMessage{Role: core.Role(role), Content: content.Text()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}

	// Query walked newest-first; flip to chronological.
	for i, j := 0, len(tail)-1; i < j; i, j = i+1, j-1 {
		tail[i], tail[j] = tail[j], tail[i]
	}
	return tail, nil
}

// ListMessages returns a chronological page of fully-annotated messages.
func (s *Store) ListMessages(ctx context.Context, sessionID int64, limit, offset int) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, role, content_json
		FROM messages
		WHERE session_id = ?
		ORDER BY ts ASC, id ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var m core.Message
		var role, stored string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TS, &role, &stored); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		content, err := core.DecodeStored(stored)
		if err != nil {
			return nil, err
		}
		m.Role = core.Role(role)
		m.Content = content.Text()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// ListSessions returns the most recent sessions, newest first, each with its
// message count.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]core.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at,
		       (SELECT COUNT(1) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s
		ORDER BY s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.SessionInfo
	for rows.Next() {
		var si core.SessionInfo
		if err := rows.Scan(&si.ID, &si.CreatedAt, &si.MessageCount); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
