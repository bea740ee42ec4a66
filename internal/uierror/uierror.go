// Package uierror detects known failure banners in raw accessibility-tree
// text. Patterns are configurable; the mapping from pattern code to bridge
// error kind is fixed.
package uierror

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

// Pattern matches when any of its Includes occurs (case-insensitively) in
// the scraped text.
type Pattern struct {
	Code     string   `json:"code" yaml:"code"`
	Includes []string `json:"includes" yaml:"includes"`
}

const defaultRetryAfterSec = 60

// DefaultPatterns covers the banners the chat app is known to show.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Code: "usage_cap", Includes: []string{
			"you've reached the current usage cap",
			"you have reached your usage cap",
		}},
		{Code: "rate_limited", Includes: []string{
			"too many requests right now",
			"you're sending messages too quickly",
		}},
		{Code: "network_error", Includes: []string{
			"network error",
			"error in connection",
			"something went wrong. if this issue persists",
		}},
		{Code: "captcha", Includes: []string{
			"verify you are human",
			"complete the captcha",
		}},
		{Code: "auth_required", Includes: []string{
			"log in to chatgpt",
			"session has expired",
		}},
	}
}

// ParseJSON decodes a UI_ERROR_PATTERNS_JSON value.
func ParseJSON(raw string) ([]Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var patterns []Pattern
	if err := json.Unmarshal([]byte(raw), &patterns); err != nil {
		return nil, fmt.Errorf("parse ui error patterns: %w", err)
	}
	return patterns, nil
}

// kindFor maps a pattern code to the closed error kind set. Unrecognized
// codes fall through to ui_error so operator typos surface as generic
// automation failures rather than silent drops.
func kindFor(code string) bridgeerr.Kind {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "usage_cap":
		return bridgeerr.KindUsageCap
	case "rate_limited", "rate_limited_by_chatgpt":
		return bridgeerr.KindRateLimitedByChatGPT
	case "network_error":
		return bridgeerr.KindNetworkError
	case "captcha":
		return bridgeerr.KindCaptcha
	case "auth_required":
		return bridgeerr.KindAuthRequired
	default:
		return bridgeerr.KindUIError
	}
}

// Detect scans the full scraped text against the configured patterns and
// returns a typed error for the first match, or nil.
func Detect(fullText string, patterns []Pattern) *bridgeerr.Error {
	if strings.TrimSpace(fullText) == "" {
		return nil
	}
	lower := strings.ToLower(fullText)
	for _, p := range patterns {
		for _, inc := range p.Includes {
			needle := strings.ToLower(strings.TrimSpace(inc))
			if needle == "" {
				continue
			}
			if strings.Contains(lower, needle) {
				kind := kindFor(p.Code)
				err := bridgeerr.Newf(kind, "chat app reported an error (matched %q)", inc).
					WithDetail("pattern_code", p.Code).
					WithDetail("matched", inc)
				if kind == bridgeerr.KindUsageCap || kind == bridgeerr.KindRateLimitedByChatGPT {
					err = err.WithRetryAfter(defaultRetryAfterSec)
				}
				return err
			}
		}
	}
	return nil
}
