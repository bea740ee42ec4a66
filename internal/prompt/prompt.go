// Package prompt turns an OpenAI messages array into the text actually
// pushed into the chat UI. The chat app keeps its own history, so only the
// last user-role message is sent; embedded agent-control metadata, leaked
// markers and dated headers are stripped first.
package prompt

import (
	"regexp"
	"strings"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
)

// AnnounceSkipText is returned instead of driving the UI when the rendered
// prompt is one of the internal session announcements some agent frontends
// fire on startup.
const AnnounceSkipText = "ANNOUNCE_SKIP"

// controlTags delimit bracketed control blocks injected by agent frontends
// around subagent work: [TASK]...[/TASK], [AGENT_PREAMBLE]...[/AGENT_PREAMBLE].
var controlTags = []string{"TASK", "TASK_HEADER", "AGENT_PREAMBLE", "SUBAGENT", "CONTROL"}

var controlBlockRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(controlTags))
	for _, tag := range controlTags {
		res = append(res, regexp.MustCompile(`(?s)\[`+tag+`\].*?\[/`+tag+`\]\n?`))
	}
	return res
}()

var (
	// Heading-delimited preambles at the top of the message: a "## Subagent
	// task" style header plus its paragraph.
	headingPreambleRe = regexp.MustCompile(`(?i)^#{1,4}\s*(subagent|task header|agent preamble)[^\n]*\n(?:[^\n]+\n)*\n?`)

	// Dated timestamp headers such as "[2025-01-31 14:02:11]" or
	// "2025-01-31T14:02:11Z —" on their own leading line.
	timestampHeaderRe = regexp.MustCompile(`^(?:\[\d{4}-\d{2}-\d{2}[^\]\n]*\]|\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?\S*)[^\n\S]*[-—:]?[^\n\S]*\n`)

	collapseWS = regexp.MustCompile(`\s+`)
)

// announcePatterns are matched against the whitespace-collapsed, lowercased
// rendered prompt. They identify internal session-start announcements that
// must never reach the UI.
var announcePatterns = []string{
	"new session started",
	"subagent session started",
	"announce: session start",
	"bridge session announce",
}

// Render extracts the final user message and strips control metadata.
// System and assistant messages are dropped. The second return is false
// when no user message exists.
func Render(messages []openai.ChatMessage) (string, bool) {
	var last string
	found := false
	for _, m := range messages {
		if strings.EqualFold(strings.TrimSpace(m.Role), "user") {
			last = m.Content
			found = true
		}
	}
	if !found {
		return "", false
	}
	return Clean(last), true
}

// Clean strips subagent control blocks, heading preambles, leaked bridge
// markers and dated timestamp headers from a message body.
func Clean(text string) string {
	for _, re := range controlBlockRes {
		text = re.ReplaceAllString(text, "")
	}
	text = headingPreambleRe.ReplaceAllString(text, "")
	for timestampHeaderRe.MatchString(text) {
		text = timestampHeaderRe.ReplaceAllString(text, "")
	}
	text = marker.Strip(text)
	return strings.TrimSpace(text)
}

// IsAnnounce reports whether the rendered prompt is an internal announce
// message that short-circuits without UI interaction.
func IsAnnounce(rendered string) bool {
	normalized := strings.ToLower(strings.TrimSpace(collapseWS.ReplaceAllString(rendered, " ")))
	for _, p := range announcePatterns {
		if normalized == p {
			return true
		}
	}
	return false
}

// Normalize collapses whitespace for stability comparisons; shared with the
// extractor and the poll loop.
func Normalize(text string) string {
	return strings.TrimSpace(collapseWS.ReplaceAllString(text, " "))
}

// ValidateSizes enforces the per-message and whole-prompt character caps.
// The prompt argument is the final pre-send text including marker and file
// context.
func ValidateSizes(messages []openai.ChatMessage, prompt string, maxPromptChars, maxMessageChars int) *bridgeerr.Error {
	if maxMessageChars > 0 {
		for i, m := range messages {
			if len([]rune(m.Content)) > maxMessageChars {
				return bridgeerr.Newf(bridgeerr.KindPromptTooLarge,
					"message %d exceeds max_message_chars (%d)", i, maxMessageChars).
					WithDetail("message_index", i).
					WithDetail("max_message_chars", maxMessageChars)
			}
		}
	}
	if maxPromptChars > 0 && len([]rune(prompt)) > maxPromptChars {
		return bridgeerr.Newf(bridgeerr.KindPromptTooLarge,
			"prompt exceeds max_prompt_chars (%d)", maxPromptChars).
			WithDetail("prompt_chars", len([]rune(prompt))).
			WithDetail("max_prompt_chars", maxPromptChars)
	}
	return nil
}

// WithMarker appends the marker as the final line after a blank separator.
func WithMarker(body, markerLine string) string {
	body = strings.TrimRight(body, " \t\r\n")
	return body + "\n\n" + markerLine
}
