package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Local State
// ============================================================================

// LocalState is the console's durable client-side state: the pending
// cross-navigation send, recent-conversation markers, composer drafts and UI
// preferences. Absence of a row means no value; the schema is not versioned.
type LocalState struct {
	db *sql.DB
}

// OpenLocalState opens (creating if needed) the SQLite database at path.
func OpenLocalState(path string) (*LocalState, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing state path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initLocalSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LocalState{db: db}, nil
}

func (s *LocalState) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initLocalSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_send (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload_json TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS recent_conversations (
	session_id TEXT NOT NULL,
	display_identifier TEXT NOT NULL,
	marked_at_unix_ms INTEGER NOT NULL,
	PRIMARY KEY (session_id, display_identifier)
)`,
		`CREATE TABLE IF NOT EXISTS drafts (
	conversation_key TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS prefs (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ── Pending send ─────────────────────────────────────────

// PutPending replaces the stored pending send.
func (s *LocalState) PutPending(ctx context.Context, p PendingSend) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pending_send(id, payload_json, created_at_unix_ms) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, created_at_unix_ms = excluded.created_at_unix_ms
`, string(b), p.CreatedAt.UnixMilli())
	return err
}

// TakePending returns and deletes the stored pending send if match accepts it.
func (s *LocalState) TakePending(ctx context.Context, match func(PendingSend) bool) (*PendingSend, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT payload_json FROM pending_send WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p PendingSend
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// An unreadable record can never be consumed.
		if _, derr := tx.ExecContext(ctx, `DELETE FROM pending_send WHERE id = 1`); derr != nil {
			return nil, derr
		}
		return nil, tx.Commit()
	}
	if !match(p) {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_send WHERE id = 1`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ── Recent conversations ─────────────────────────────────

func (s *LocalState) MarkRecent(ctx context.Context, sessionID, displayID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recent_conversations(session_id, display_identifier, marked_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(session_id, display_identifier) DO UPDATE SET marked_at_unix_ms = excluded.marked_at_unix_ms
`, sessionID, displayID, time.Now().UnixMilli())
	return err
}

func (s *LocalState) IsRecent(ctx context.Context, sessionID, displayID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM recent_conversations WHERE session_id = ? AND display_identifier = ?
`, sessionID, displayID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneRecent drops markers of every session except keep.
func (s *LocalState) PruneRecent(ctx context.Context, keep string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recent_conversations WHERE session_id <> ?`, keep)
	return err
}

// ── Drafts ───────────────────────────────────────────────

// SaveDraft stores the composer text of a conversation. Empty text deletes it.
func (s *LocalState) SaveDraft(ctx context.Context, conversationKey, text string) error {
	if strings.TrimSpace(text) == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE conversation_key = ?`, conversationKey)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO drafts(conversation_key, text, updated_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(conversation_key) DO UPDATE SET text = excluded.text, updated_at_unix_ms = excluded.updated_at_unix_ms
`, conversationKey, text, time.Now().UnixMilli())
	return err
}

// Draft returns the stored composer text, or "" when there is none.
func (s *LocalState) Draft(ctx context.Context, conversationKey string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM drafts WHERE conversation_key = ?`, conversationKey).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return text, err
}

// ── Prefs ────────────────────────────────────────────────

func (s *LocalState) SetPref(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prefs(name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value
`, name, value)
	return err
}

// Pref returns a stored preference and whether it was set.
func (s *LocalState) Pref(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
