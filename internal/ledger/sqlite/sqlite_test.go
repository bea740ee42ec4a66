package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
)

func TestStoreRecordAndSummary(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	record := func(outcome string, prompt, completion int64) {
		if err := store.Record(ctx, ledger.Entry{
			RequestID:       "req-" + outcome,
			SessionSlot:     "work",
			Outcome:         outcome,
			ExtractionMode:  "marker",
			PromptChars:     prompt,
			CompletionChars: completion,
			DurationMs:      1200,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record(ledger.OutcomeOK, 100, 50)
	record("timeout", 60, 0)

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.TotalAsks != 2 {
		t.Fatalf("expected 2 asks, got %d", summary.TotalAsks)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("expected 1 ok / 1 failed, got %d / %d", summary.Succeeded, summary.Failed)
	}
	if summary.TotalPromptChars != 160 {
		t.Fatalf("expected prompt chars 160, got %d", summary.TotalPromptChars)
	}
	if summary.TotalCompletionChars != 50 {
		t.Fatalf("expected completion chars 50, got %d", summary.TotalCompletionChars)
	}
}

func TestListRecentOrdering(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	entries := []ledger.Entry{
		{RequestID: "r1", Outcome: ledger.OutcomeOK, PromptChars: 1, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{RequestID: "r2", Outcome: ledger.OutcomeOK, PromptChars: 2, CreatedAt: time.Now().Add(-1 * time.Hour)},
		{RequestID: "r3", Outcome: "ui_error", PromptChars: 3, ContextReset: true, CreatedAt: time.Now()},
	}

	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].RequestID != "r3" || recent[1].RequestID != "r2" {
		t.Fatalf("unexpected ordering %#v", recent)
	}
	if !recent[0].ContextReset {
		t.Fatalf("context reset flag lost: %#v", recent[0])
	}
}

func TestRecordValidation(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.Record(context.Background(), ledger.Entry{Outcome: ledger.OutcomeOK})
	if err == nil {
		t.Fatalf("expected error for missing request id")
	}

	err = store.Record(context.Background(), ledger.Entry{RequestID: "r1"})
	if err == nil {
		t.Fatalf("expected error for missing outcome")
	}
}
