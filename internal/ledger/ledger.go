// Package ledger records the outcome of every UI ask for local usage
// accounting and troubleshooting.
package ledger

import (
	"context"
	"time"
)

// OutcomeOK marks a successful ask; failures store the error kind.
const OutcomeOK = "ok"

// Entry is one completed (or failed) ask.
type Entry struct {
	ID              int64     `json:"id"`
	RequestID       string    `json:"request_id"`
	SessionSlot     string    `json:"session_slot,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	Outcome         string    `json:"outcome"`
	ExtractionMode  string    `json:"extraction_mode,omitempty"`
	PromptChars     int64     `json:"prompt_chars"`
	CompletionChars int64     `json:"completion_chars"`
	DurationMs      int64     `json:"duration_ms"`
	ContextReset    bool      `json:"context_reset"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summary aggregates ask outcomes.
type Summary struct {
	TotalAsks            int64 `json:"total_asks"`
	Succeeded            int64 `json:"succeeded"`
	Failed               int64 `json:"failed"`
	TotalPromptChars     int64 `json:"total_prompt_chars"`
	TotalCompletionChars int64 `json:"total_completion_chars"`
}

// Store defines persistence behaviour for the ask ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
