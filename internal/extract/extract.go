// Package extract turns a raw accessibility-tree dump into the assistant's
// reply text. It is pure text processing: the poll loop calls it on every
// scrape without touching the UI.
package extract

import (
	"regexp"
	"strings"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/prompt"
)

// Extraction modes.
const (
	ModeMarker        = "marker"
	ModeSnapshotDelta = "snapshot_delta"
)

// Failure reasons carried in the error details under "reason".
const (
	ReasonMarkerNotFound   = "marker_not_found"
	ReasonResponseNotReady = "response_not_ready"
)

// TypingCursor is the glyph the chat app renders while streaming.
const TypingCursor = "▍"

// Labels carries the configurable UI strings the app shows around a
// finished reply.
type Labels struct {
	Regenerate       string
	ContinueGenerate string
	NewChat          string
}

// DefaultLabels matches the stock English UI.
func DefaultLabels() Labels {
	return Labels{
		Regenerate:       "Regenerate",
		ContinueGenerate: "Continue generating",
		NewChat:          "New chat",
	}
}

// Result is a successful extraction.
type Result struct {
	Text string
	Mode string
}

var (
	versionLineRe = regexp.MustCompile(`^ChatGPT(\s+\d+(\.\d+)*)?$`)

	// Section headers the app inserts above reasoning output, localized.
	thinkingRe = regexp.MustCompile(`(?i)^(thinking|réflexion|reasoning|thought for [^\n]*|pensando|nachdenken)(\.{0,3}|…)$`)

	// Accessibility role descriptions leaking into the text dump.
	axRoleRe = regexp.MustCompile(`(?i)^(text|button|group|image|toolbar|scroll area|static text|text field|menu item)$`)

	fixedNoise = map[string]bool{
		"Stop generating": true,
		"Send message":    true,
		"Copy":            true,
		"Copy code":       true,
		"Share":           true,
		"Good response":   true,
		"Bad response":    true,
		"Read aloud":      true,
		TypingCursor:      true,
	}

	invisibleOnly = regexp.MustCompile(`^[\s\x{200b}\x{200c}\x{200d}\x{feff}\x{fffc}]*$`)
)

func notReady(msg string) *bridgeerr.Error {
	return bridgeerr.New(bridgeerr.KindUIError, msg).WithDetail("reason", ReasonResponseNotReady)
}

// Reason returns the extraction failure reason, or "" for other errors.
func Reason(err *bridgeerr.Error) string {
	if err == nil || err.Details == nil {
		return ""
	}
	s, _ := err.Details["reason"].(string)
	return s
}

// Extract locates the assistant's reply inside fullText. The anchor is the
// exact pre-send prompt; when it ends with a bridge marker the strict path
// is used and snapshot_delta is never attempted. preSnapshot is the scrape
// taken just before submit, used only by the legacy path.
func Extract(fullText, anchor, preSnapshot string, labels Labels) (Result, *bridgeerr.Error) {
	if strings.TrimSpace(fullText) == "" {
		return Result{}, notReady("scrape returned empty text")
	}
	if m := marker.Find(anchor); m != "" {
		return extractStrict(fullText, anchor, m, labels)
	}
	return extractLegacy(fullText, anchor, preSnapshot, labels)
}

func extractStrict(fullText, anchor, mk string, labels Labels) (Result, *bridgeerr.Error) {
	idx := strings.LastIndex(fullText, mk)
	if idx < 0 {
		return Result{}, bridgeerr.New(bridgeerr.KindUIError, "bridge marker not visible in scrape").
			WithDetail("reason", ReasonMarkerNotFound)
	}
	segment := fullText[idx+len(mk):]
	text := cleanSegment(segment, anchor, labels)
	if err := reject(text, anchor); err != nil {
		return Result{}, err
	}
	return Result{Text: text, Mode: ModeMarker}, nil
}

func extractLegacy(fullText, anchor, preSnapshot string, labels Labels) (Result, *bridgeerr.Error) {
	probe := strings.TrimSpace(anchor)
	if probe != "" {
		if idx := strings.LastIndex(fullText, probe); idx >= 0 {
			if res, ok := finishLegacy(fullText[idx+len(probe):], anchor, labels); ok {
				return res, nil
			}
		}
		if idx := strings.Index(fullText, probe); idx >= 0 {
			if res, ok := finishLegacy(fullText[idx+len(probe):], anchor, labels); ok {
				return res, nil
			}
		}
		if tail, ok := tailWalk(fullText, probe, labels); ok {
			if res, ok := finishLegacy(tail, anchor, labels); ok {
				return res, nil
			}
		}
	}
	if preSnapshot != "" {
		if delta, ok := snapshotDelta(fullText, preSnapshot); ok {
			if res, ok := finishLegacy(delta, anchor, labels); ok {
				return res, nil
			}
		}
	}
	return Result{}, notReady("no reply boundary found")
}

func finishLegacy(segment, anchor string, labels Labels) (Result, bool) {
	text := cleanSegment(segment, anchor, labels)
	if reject(text, anchor) != nil {
		return Result{}, false
	}
	return Result{Text: text, Mode: ModeSnapshotDelta}, true
}

// tailWalk scans lines from the end, skipping noise, until it hits a line
// equal to the prompt's first line. Only applied when that first line is
// long enough to be a meaningful boundary.
func tailWalk(fullText, probe string, labels Labels) (string, bool) {
	first := strings.TrimSpace(strings.SplitN(probe, "\n", 2)[0])
	if len([]rune(first)) < 20 {
		return "", false
	}
	lines := strings.Split(fullText, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || isNoiseLine(line, labels) {
			continue
		}
		if line == first {
			return strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", false
}

// snapshotDelta returns the suffix of current past its overlap with the
// pre-send snapshot: a trailing 1024-char window lookup first, longest
// common prefix as fallback.
func snapshotDelta(current, previous string) (string, bool) {
	window := previous
	if len(window) > 1024 {
		window = window[len(window)-1024:]
	}
	if window != "" {
		if idx := strings.LastIndex(current, window); idx >= 0 {
			return current[idx+len(window):], true
		}
	}
	n := 0
	for n < len(current) && n < len(previous) && current[n] == previous[n] {
		n++
	}
	if n == 0 {
		return "", false
	}
	return current[n:], true
}

func cleanSegment(segment, anchor string, labels Labels) string {
	lines := strings.Split(segment, "\n")

	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, line)
			continue
		}
		if isNoiseLine(trimmed, labels) {
			continue
		}
		kept = append(kept, strings.ReplaceAll(line, TypingCursor, ""))
	}

	kept = stripPromptEcho(kept, anchor)

	text := strings.TrimSpace(strings.Join(kept, "\n"))
	text = dedupHalves(text)
	return text
}

func isNoiseLine(trimmed string, labels Labels) bool {
	if fixedNoise[trimmed] {
		return true
	}
	for _, l := range []string{labels.Regenerate, labels.ContinueGenerate, labels.NewChat} {
		if l != "" && strings.EqualFold(trimmed, l) {
			return true
		}
	}
	return versionLineRe.MatchString(trimmed) ||
		thinkingRe.MatchString(trimmed) ||
		axRoleRe.MatchString(trimmed)
}

// stripPromptEcho drops leading lines that echo the sent prompt or its
// file-context framing, stopping at the first line that is neither.
func stripPromptEcho(lines []string, anchor string) []string {
	echo := map[string]bool{}
	for _, l := range strings.Split(anchor, "\n") {
		if n := prompt.Normalize(l); n != "" {
			echo[n] = true
		}
	}
	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case trimmed == "":
			i++
		case echo[prompt.Normalize(trimmed)]:
			i++
		case trimmed == "[FILE_CONTEXT]" || trimmed == "[/FILE_CONTEXT]":
			i++
		case strings.HasPrefix(trimmed, "--- BEGIN FILE"), strings.HasPrefix(trimmed, "--- END FILE"):
			i++
		case strings.HasPrefix(trimmed, "path: "):
			i++
		default:
			return lines[i:]
		}
	}
	return nil
}

// dedupHalves collapses the accessibility tree's habit of reporting the
// same text twice: once by exact character halves, once by line halves.
func dedupHalves(text string) string {
	runes := []rune(text)
	if n := len(runes); n > 1 && n%2 == 0 {
		if string(runes[:n/2]) == string(runes[n/2:]) {
			text = string(runes[:n/2])
		}
	}
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 1 && n%2 == 0 {
		half := lines[:n/2]
		same := true
		for i := range half {
			if strings.TrimSpace(half[i]) != strings.TrimSpace(lines[n/2+i]) {
				same = false
				break
			}
		}
		if same {
			text = strings.TrimSpace(strings.Join(half, "\n"))
		}
	}
	return strings.TrimSpace(text)
}

func reject(text, anchor string) *bridgeerr.Error {
	if text == "" || invisibleOnly.MatchString(text) {
		return notReady("reply segment is empty after noise stripping")
	}
	if marker.Contains(text) {
		return notReady("reply segment still carries a bridge marker")
	}
	normText := prompt.Normalize(text)
	normAnchor := prompt.Normalize(marker.Strip(anchor))
	if normText == normAnchor {
		return notReady("reply segment equals the prompt")
	}
	if strings.Contains(normAnchor, normText) {
		if len([]rune(normText)) >= 120 || strings.Contains(strings.TrimSpace(text), "\n") {
			return notReady("reply segment is a prompt echo")
		}
	}
	return nil
}
