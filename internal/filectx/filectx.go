// Package filectx expands file references into the prompt's
// [FILE_CONTEXT] section. References arrive either as the structured
// bridge_files request field or as a trailing [BRIDGE_FILES] block inside
// the rendered prompt.
package filectx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
)

const (
	blockOpen  = "[BRIDGE_FILES]"
	blockClose = "[/BRIDGE_FILES]"

	sectionOpen  = "[FILE_CONTEXT]"
	sectionClose = "[/FILE_CONTEXT]"
)

// Options carries the file-context gating and caps.
type Options struct {
	Enabled       bool
	AllowedRoots  []string
	MaxFiles      int
	MaxFileChars  int
	MaxTotalChars int
}

// Diagnostics counters are part of the audit-log contract; keep the field
// set stable.
type Diagnostics struct {
	BlocksDetected        int  `json:"blocks_detected"`
	TerminalBlockConsumed bool `json:"terminal_block_consumed"`
	NonTerminalBlocks     int  `json:"non_terminal_blocks"`
	ParsedEntries         int  `json:"parsed_entries"`
	Deduplicated          int  `json:"deduplicated"`
	FilesIncluded         int  `json:"files_included"`
	TotalChars            int  `json:"total_chars"`
}

// Result is the expanded prompt plus what was resolved.
type Result struct {
	Prompt      string
	FileRefs    []string
	Diagnostics Diagnostics
}

type entry struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

// Expand resolves file references and appends the [FILE_CONTEXT] section.
// A trailing [BRIDGE_FILES] block is consumed only when nothing but
// whitespace follows it; earlier occurrences stay in the prompt and are
// only counted.
func Expand(body string, files []openai.BridgeFile, opts Options) (Result, *bridgeerr.Error) {
	res := Result{Prompt: body}

	var entries []entry
	for _, f := range files {
		entries = append(entries, entry{Path: f.Path, Label: f.Label})
	}

	stripped, blockEntries, diag, err := consumeTrailingBlock(body)
	res.Diagnostics = diag
	if err != nil {
		return res, err
	}
	res.Prompt = stripped
	entries = append(entries, blockEntries...)
	res.Diagnostics.ParsedEntries = len(entries)

	if len(entries) == 0 {
		return res, nil
	}
	if !opts.Enabled {
		return res, bridgeerr.New(bridgeerr.KindFileContextUnsupported,
			"file context is disabled on this bridge")
	}
	if opts.MaxFiles > 0 && len(entries) > opts.MaxFiles {
		return res, bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
			"too many files: %d > max %d", len(entries), opts.MaxFiles).
			WithDetail("max_files", opts.MaxFiles)
	}

	var (
		sections   []string
		seen       = map[string]bool{}
		totalChars int
	)
	for _, e := range entries {
		canonical, content, ferr := loadOne(e.Path, opts)
		if ferr != nil {
			return res, ferr
		}
		if seen[canonical] {
			res.Diagnostics.Deduplicated++
			continue
		}
		seen[canonical] = true

		chars := utf8.RuneCountInString(content)
		totalChars += chars
		if opts.MaxTotalChars > 0 && totalChars > opts.MaxTotalChars {
			return res, bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
				"total file context exceeds %d chars", opts.MaxTotalChars).
				WithDetail("max_total_chars", opts.MaxTotalChars)
		}

		label := strings.TrimSpace(e.Label)
		if label == "" {
			label = filepath.Base(e.Path)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "--- BEGIN FILE: %s ---\n", label)
		fmt.Fprintf(&b, "path: %s\n", e.Path)
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- END FILE: %s ---", label)
		sections = append(sections, b.String())
		res.FileRefs = append(res.FileRefs, e.Path)
	}

	res.Diagnostics.FilesIncluded = len(sections)
	res.Diagnostics.TotalChars = totalChars
	if len(sections) == 0 {
		return res, nil
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(res.Prompt, " \t\r\n"))
	b.WriteString("\n\n")
	b.WriteString(sectionOpen)
	b.WriteString("\n")
	b.WriteString(strings.Join(sections, "\n"))
	b.WriteString("\n")
	b.WriteString(sectionClose)
	res.Prompt = b.String()
	return res, nil
}

func consumeTrailingBlock(body string) (string, []entry, Diagnostics, *bridgeerr.Error) {
	var diag Diagnostics
	diag.BlocksDetected = strings.Count(body, blockOpen)
	if diag.BlocksDetected == 0 {
		return body, nil, diag, nil
	}

	openIdx := strings.LastIndex(body, blockOpen)
	closeIdx := strings.Index(body[openIdx:], blockClose)
	if closeIdx < 0 {
		// Unterminated block: leave in place, count all as non-terminal.
		diag.NonTerminalBlocks = diag.BlocksDetected
		return body, nil, diag, nil
	}
	closeIdx += openIdx + len(blockClose)
	if strings.TrimSpace(body[closeIdx:]) != "" {
		diag.NonTerminalBlocks = diag.BlocksDetected
		return body, nil, diag, nil
	}

	diag.NonTerminalBlocks = diag.BlocksDetected - 1
	diag.TerminalBlockConsumed = true
	blockBody := body[openIdx+len(blockOpen) : closeIdx-len(blockClose)]
	entries, err := parseEntries(blockBody)
	if err != nil {
		return body, nil, diag, err
	}
	return strings.TrimRight(body[:openIdx], " \t\r\n"), entries, diag, nil
}

// parseEntries accepts either a JSON array (of strings or {path,label}
// objects) or plain lines in "path" / "path|label" form.
func parseEntries(blockBody string) ([]entry, *bridgeerr.Error) {
	trimmed := strings.TrimSpace(blockBody)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return parseJSONEntries(trimmed)
	}
	var entries []entry
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		e := entry{Path: strings.TrimSpace(parts[0])}
		if len(parts) == 2 {
			e.Label = strings.TrimSpace(parts[1])
		}
		if e.Path != "" {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func parseJSONEntries(trimmed string) ([]entry, *bridgeerr.Error) {
	if strings.HasPrefix(trimmed, "{") {
		var e entry
		if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
			return nil, bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
				"bridge files block is not valid JSON: %v", err)
		}
		return []entry{e}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
			"bridge files block is not valid JSON: %v", err)
	}
	var entries []entry
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			entries = append(entries, entry{Path: s})
			continue
		}
		var e entry
		if err := json.Unmarshal(item, &e); err != nil {
			return nil, bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
				"bridge files entry is neither string nor object: %v", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func loadOne(path string, opts Options) (canonical, content string, _ *bridgeerr.Error) {
	if !filepath.IsAbs(path) {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
			"path is not absolute: %s", path).WithDetail("path", path)
	}
	canonical = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	} else if errors.Is(err, fs.ErrNotExist) {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextNotFound,
			"file not found: %s", path).WithDetail("path", path)
	}

	if len(opts.AllowedRoots) > 0 && !insideRoots(canonical, opts.AllowedRoots) {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextAccessDenied,
			"path outside allowed roots: %s", path).WithDetail("path", path)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return "", "", classifyFSError(path, err)
	}
	if !info.Mode().IsRegular() {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextUnsupported,
			"not a regular file: %s", path).WithDetail("path", path)
	}

	raw, err := os.ReadFile(canonical)
	if err != nil {
		return "", "", classifyFSError(path, err)
	}
	content = string(raw)
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextUnsupported,
			"file is not valid UTF-8 text: %s", path).WithDetail("path", path)
	}
	if opts.MaxFileChars > 0 && utf8.RuneCountInString(content) > opts.MaxFileChars {
		return "", "", bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
			"file exceeds %d chars: %s", opts.MaxFileChars, path).
			WithDetail("path", path).
			WithDetail("max_file_chars", opts.MaxFileChars)
	}
	return canonical, content, nil
}

func classifyFSError(path string, err error) *bridgeerr.Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return bridgeerr.Newf(bridgeerr.KindFileContextNotFound,
			"file not found: %s", path).WithDetail("path", path)
	case errors.Is(err, fs.ErrPermission):
		return bridgeerr.Newf(bridgeerr.KindFileContextAccessDenied,
			"permission denied: %s", path).WithDetail("path", path)
	default:
		return bridgeerr.Newf(bridgeerr.KindFileContextInvalid,
			"cannot read %s: %v", path, err).WithDetail("path", path)
	}
}

func insideRoots(canonical string, roots []string) bool {
	for _, root := range roots {
		root = filepath.Clean(root)
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		if canonical == root || strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
