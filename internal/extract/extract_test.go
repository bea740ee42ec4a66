package extract

import (
	"strings"
	"testing"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/prompt"
)

const secret = "test-secret"

func strictAnchor(body, rid string) (anchor, mk string) {
	mk = marker.Make(rid, secret)
	return prompt.WithMarker(body, mk), mk
}

func TestExtractStrictBasic(t *testing.T) {
	anchor, mk := strictAnchor("What is 2+2?", "req-1")
	full := "sidebar stuff\n" + anchor + "\nThe answer is 4."

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != ModeMarker {
		t.Errorf("mode = %s, want marker", res.Mode)
	}
	if res.Text != "The answer is 4." {
		t.Errorf("text = %q", res.Text)
	}
	if strings.Contains(res.Text, mk) {
		t.Error("marker leaked into reply")
	}
}

func TestExtractStrictUsesLastMarkerOccurrence(t *testing.T) {
	anchor, mk := strictAnchor("question", "req-2")
	full := mk + "\nold reply from echoed history\n" + mk + "\nfresh reply"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "fresh reply" {
		t.Errorf("text = %q, want the segment after the last marker", res.Text)
	}
}

func TestExtractStrictMarkerNotFound(t *testing.T) {
	anchor, _ := strictAnchor("question", "req-3")
	_, err := Extract("screen without the marker yet", anchor, "", DefaultLabels())
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Kind != bridgeerr.KindUIError || Reason(err) != ReasonMarkerNotFound {
		t.Errorf("got kind=%s reason=%s", err.Kind, Reason(err))
	}
}

func TestExtractStripsNoise(t *testing.T) {
	anchor, _ := strictAnchor("q", "req-4")
	full := anchor + "\nRegenerate\nThinking\nChatGPT 4.1\nreal answer " + TypingCursor + "\nCopy code\nContinue generating"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "real answer" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractStripsPromptEcho(t *testing.T) {
	body := "Summarize the attached file"
	anchor, _ := strictAnchor(body+"\n\n[FILE_CONTEXT]\n--- BEGIN FILE: a ---\npath: /tmp/a\nfile body\n--- END FILE: a ---\n[/FILE_CONTEXT]", "req-5")
	full := anchor + "\n" + body + "\n[FILE_CONTEXT]\n--- BEGIN FILE: a ---\npath: /tmp/a\nHere is the summary."

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Here is the summary." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractDedupsAccessibilityHalves(t *testing.T) {
	anchor, _ := strictAnchor("q", "req-6")
	full := anchor + "\nline one\nline two\nline one\nline two"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "line one\nline two" {
		t.Errorf("duplicated halves survived: %q", res.Text)
	}
}

func TestExtractRejectsLongPromptEcho(t *testing.T) {
	body := strings.Repeat("a long question sentence ", 10)
	anchor, _ := strictAnchor(body, "req-7")

	// Only the prompt echoed back, nothing else: not ready.
	_, err := Extract(anchor+"\n"+strings.TrimSpace(body), anchor, "", DefaultLabels())
	if err == nil || Reason(err) != ReasonResponseNotReady {
		t.Fatalf("expected response_not_ready, got %v", err)
	}
}

func TestExtractShortAnswerInsidePromptAllowed(t *testing.T) {
	anchor, _ := strictAnchor("Is Paris the capital of France? Answer Paris or no.", "req-8")
	full := anchor + "\nParis"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("short single-line substrings of the prompt are valid answers: %v", err)
	}
	if res.Text != "Paris" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractRejectsNoiseOnly(t *testing.T) {
	anchor, _ := strictAnchor("q", "req-9")
	full := anchor + "\nRegenerate\nCopy\n​​"

	_, err := Extract(full, anchor, "", DefaultLabels())
	if err == nil || Reason(err) != ReasonResponseNotReady {
		t.Fatalf("expected response_not_ready, got %v", err)
	}
}

func TestExtractEmptyScrape(t *testing.T) {
	anchor, _ := strictAnchor("q", "req-10")
	_, err := Extract("   \n  ", anchor, "", DefaultLabels())
	if err == nil || err.Kind != bridgeerr.KindUIError {
		t.Fatalf("expected ui_error, got %v", err)
	}
}

func TestExtractLegacyPromptSubstring(t *testing.T) {
	anchor := "a legacy prompt without any signature line"
	full := "history\n" + anchor + "\nlegacy reply text"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != ModeSnapshotDelta {
		t.Errorf("mode = %s, want snapshot_delta", res.Mode)
	}
	if res.Text != "legacy reply text" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractLegacySnapshotDelta(t *testing.T) {
	pre := "window title\nsome prior conversation state"
	full := pre + "\nbrand new reply after submit"

	res, err := Extract(full, "prompt text that never appears in the scrape", pre, DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != ModeSnapshotDelta {
		t.Errorf("mode = %s", res.Mode)
	}
	if res.Text != "brand new reply after submit" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractStrictNeverFallsBackToDelta(t *testing.T) {
	anchor, _ := strictAnchor("q", "req-11")
	pre := "pre-send snapshot"
	full := pre + "\nreply that only the delta path could find"

	_, err := Extract(full, anchor, pre, DefaultLabels())
	if err == nil || Reason(err) != ReasonMarkerNotFound {
		t.Fatalf("strict anchor must require the marker, got %v", err)
	}
}

func TestMarkerRoundTripInvariant(t *testing.T) {
	body := "Explain goroutines in one paragraph."
	anchor, _ := strictAnchor(body, "req-12")
	reply := "Goroutines are lightweight threads managed by the runtime."
	full := anchor + "\n\n" + reply + "\nRegenerate"

	res, err := Extract(full, anchor, "", DefaultLabels())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != reply {
		t.Errorf("text = %q, want %q", res.Text, reply)
	}
	if marker.Contains(res.Text) {
		t.Error("extracted text contains a bridge marker")
	}
}
