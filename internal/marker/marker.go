// Package marker computes the per-request signature appended to every
// prompt sent into the chat UI. The extractor cuts the reply after the
// marker's last on-screen occurrence, so the tag must be deterministic for
// a request id and infeasible for UI noise to reproduce.
package marker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
)

const (
	prefix = "[[OC="
	suffix = "]]"
	tagLen = 16
)

// pattern matches any bridge marker, used to detect leaks in prompts and
// extracted replies.
var pattern = regexp.MustCompile(`\[\[OC=[^\[\]\n]*\]\]`)

// Make returns the full marker line for a request id:
// [[OC=<rid>.<tag>]] with tag = first 16 chars of
// base64url(HMAC-SHA256(secret, rid)).
func Make(requestID, secret string) string {
	return prefix + requestID + "." + Tag(requestID, secret) + suffix
}

// Tag returns the 16-char URL-safe MAC tag for a request id.
func Tag(requestID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(requestID))
	enc := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if len(enc) > tagLen {
		enc = enc[:tagLen]
	}
	return enc
}

// Contains reports whether text carries any bridge marker.
func Contains(text string) bool {
	return pattern.MatchString(text)
}

// Strip removes every bridge marker occurrence from text.
func Strip(text string) string {
	return pattern.ReplaceAllString(text, "")
}

// Find returns the marker at the end of an extraction anchor, or "" when
// the anchor carries none (legacy extraction path).
func Find(anchor string) string {
	trimmed := strings.TrimRight(anchor, " \t\r\n")
	idx := strings.LastIndex(trimmed, prefix)
	if idx < 0 {
		return ""
	}
	candidate := trimmed[idx:]
	if !strings.HasSuffix(candidate, suffix) {
		return ""
	}
	if strings.ContainsAny(candidate[len(prefix):len(candidate)-len(suffix)], "[]\n") {
		return ""
	}
	return candidate
}
