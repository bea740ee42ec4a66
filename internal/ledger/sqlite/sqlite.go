package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ask_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	session_slot TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	extraction_mode TEXT NOT NULL DEFAULT '',
	prompt_chars INTEGER NOT NULL DEFAULT 0,
	completion_chars INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	context_reset INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ask_entries_created ON ask_entries(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ask_entries_request ON ask_entries(request_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new ask entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.RequestID == "" {
		return errors.New("ledger record requires request id")
	}
	if entry.Outcome == "" {
		return errors.New("ledger record requires outcome")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ask_entries(request_id, session_slot, conversation_id, outcome, extraction_mode, prompt_chars, completion_chars, duration_ms, context_reset, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.SessionSlot,
		entry.ConversationID,
		entry.Outcome,
		entry.ExtractionMode,
		entry.PromptChars,
		entry.CompletionChars,
		entry.DurationMs,
		boolToInt(entry.ContextReset),
		created,
	)
	return err
}

// Summary returns aggregated ask outcomes.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN outcome = 'ok' THEN 1 ELSE 0 END), 0) AS succeeded,
	COALESCE(SUM(prompt_chars), 0) AS prompt_chars,
	COALESCE(SUM(completion_chars), 0) AS completion_chars
FROM ask_entries`)

	var total, succeeded, promptChars, completionChars sql.NullInt64
	if err := row.Scan(&total, &succeeded, &promptChars, &completionChars); err != nil {
		return ledger.Summary{}, err
	}
	summary := ledger.Summary{
		TotalAsks:            total.Int64,
		Succeeded:            succeeded.Int64,
		TotalPromptChars:     promptChars.Int64,
		TotalCompletionChars: completionChars.Int64,
	}
	summary.Failed = summary.TotalAsks - summary.Succeeded
	return summary, nil
}

// ListRecent returns the latest entries.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, session_slot, conversation_id, outcome, extraction_mode, prompt_chars, completion_chars, duration_ms, context_reset, created_at
FROM ask_entries
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var reset int
		if err := rows.Scan(&e.ID, &e.RequestID, &e.SessionSlot, &e.ConversationID, &e.Outcome, &e.ExtractionMode, &e.PromptChars, &e.CompletionChars, &e.DurationMs, &reset, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ContextReset = reset != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
