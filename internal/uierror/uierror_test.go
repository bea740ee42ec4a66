package uierror

import (
	"testing"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

func TestDetectRateLimit(t *testing.T) {
	text := "ChatGPT\nToo many requests right now. Please slow down.\nRegenerate"
	err := Detect(text, DefaultPatterns())
	if err == nil {
		t.Fatal("expected a detection")
	}
	if err.Kind != bridgeerr.KindRateLimitedByChatGPT {
		t.Errorf("expected rate_limited_by_chatgpt, got %s", err.Kind)
	}
	if err.RetryAfterSec != 60 {
		t.Errorf("expected 60s retry hint, got %d", err.RetryAfterSec)
	}
}

func TestDetectCaseInsensitive(t *testing.T) {
	err := Detect("please VERIFY YOU ARE HUMAN to continue", DefaultPatterns())
	if err == nil || err.Kind != bridgeerr.KindCaptcha {
		t.Fatalf("expected captcha, got %v", err)
	}
	if err.RetryAfterSec != 0 {
		t.Errorf("captcha must not carry a retry hint, got %d", err.RetryAfterSec)
	}
}

func TestDetectNoMatch(t *testing.T) {
	if err := Detect("a perfectly normal assistant reply", DefaultPatterns()); err != nil {
		t.Errorf("unexpected detection: %v", err)
	}
	if err := Detect("   ", DefaultPatterns()); err != nil {
		t.Errorf("whitespace text must not match: %v", err)
	}
}

func TestDetectCustomPatternUnknownCode(t *testing.T) {
	patterns := []Pattern{{Code: "mystery", Includes: []string{"strange banner"}}}
	err := Detect("a Strange Banner appeared", patterns)
	if err == nil || err.Kind != bridgeerr.KindUIError {
		t.Fatalf("unknown codes should map to ui_error, got %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	patterns, err := ParseJSON(`[{"code":"usage_cap","includes":["cap hit"]}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Code != "usage_cap" {
		t.Fatalf("unexpected patterns: %+v", patterns)
	}
	if _, err := ParseJSON("{not json"); err == nil {
		t.Error("expected parse error")
	}
	patterns, err = ParseJSON("  ")
	if err != nil || patterns != nil {
		t.Errorf("blank input should be a no-op, got %v %v", patterns, err)
	}
}
