// Package session persists conversational sessions, their message logs
// and token-usage rows in an embedded sqlite store.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when an id resolves to no stored session.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned on a session-id collision.
var ErrSessionExists = errors.New("session id already exists")

// Session is one persistent conversational thread.
type Session struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	CodebasePath string                 `json:"codebase_path,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastAccessed time.Time              `json:"last_accessed"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Message is one row of a session's append-only conversation log.
type Message struct {
	ID         int64                  `json:"id"`
	SessionID  string                 `json:"session_id"`
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	TokenCount int                    `json:"token_count"`
	CreatedAt  time.Time              `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    codebase_path TEXT,
    created_at TIMESTAMP NOT NULL,
    last_accessed TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS token_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    message_id INTEGER,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    model TEXT NOT NULL,
    cost REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_token_usage_session_id ON token_usage(session_id);
`

// Store owns the sqlite handle. Writes are serialized by an in-process
// mutex; sqlite is a single-writer engine under this workload.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the session database at path.
// Foreign keys are enforced through the DSN.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	return nil
}

// DB exposes the underlying handle for the token ledger, which shares
// this store's database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Lock serializes a multi-statement write against the store.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

func (s *Store) Close() error {
	return s.db.Close()
}

// NewSessionID derives an 8-character opaque id from a UUID.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateSession inserts a new session. An id collision returns
// ErrSessionExists rather than silently overwriting.
func (s *Store) CreateSession(ctx context.Context, name, codebasePath string) (*Session, error) {
	sess := &Session{
		ID:           NewSessionID(),
		Name:         name,
		CodebasePath: codebasePath,
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
		Metadata:     map[string]interface{}{},
	}
	if sess.Name == "" {
		sess.Name = "session-" + sess.ID
	}

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, codebase_path, created_at, last_accessed, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, nullable(sess.CodebasePath), sess.CreatedAt, sess.LastAccessed, string(meta))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
		}
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return sess, nil
}

// LoadSession returns a fresh snapshot with last_accessed advanced
// atomically with the read.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET last_accessed = ? WHERE id = ?`, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT id, name, codebase_path, created_at, last_accessed, metadata FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sess, nil
}

// GetSession reads a session without touching last_accessed.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, name, codebase_path, created_at, last_accessed, metadata FROM sessions WHERE id = ?`, id))
}

// ListSessions returns the most recently accessed sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, codebase_path, created_at, last_accessed, metadata
		 FROM sessions ORDER BY last_accessed DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession renames a session and/or replaces its metadata.
func (s *Store) UpdateSession(ctx context.Context, id string, name *string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name != nil {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, *name, id)
		if err != nil {
			return fmt.Errorf("failed to rename session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
	}
	if metadata != nil {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE id = ?`, string(meta), id)
		if err != nil {
			return fmt.Errorf("failed to update session metadata: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
	}
	return nil
}

// DeleteSession removes a session; messages and usage rows cascade.
// It reports whether a row was actually removed.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var codebasePath sql.NullString
	var metaJSON string

	err := row.Scan(&sess.ID, &sess.Name, &codebasePath, &sess.CreatedAt, &sess.LastAccessed, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CodebasePath = codebasePath.String
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		sess.Metadata = map[string]interface{}{}
	}
	return &sess, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
