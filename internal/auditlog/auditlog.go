// Package auditlog appends one JSON line per request/response event to a
// raw capture file with a numbered rotation ring and age-based purge.
// Sanitize levels control how much of the payload is retained.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sanitize levels, most to least verbose.
const (
	SanitizeFull     = "full"     // bodies, headers, metadata
	SanitizeHeaders  = "headers"  // headers and metadata, bodies dropped
	SanitizeMetadata = "metadata" // metadata only
)

// Entry is one audit record. Which fields survive depends on the sanitize
// level; headers and metadata keys with credential-looking names are
// always redacted.
type Entry struct {
	Time         time.Time         `json:"ts"`
	Event        string            `json:"event"`
	RequestID    string            `json:"request_id,omitempty"`
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Status       int               `json:"status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	ResponseText string            `json:"response_text,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// Options configures the capture file.
type Options struct {
	Path       string
	MaxBytes   int64
	MaxFiles   int
	MaxAgeDays int
	Sanitize   string
}

// Logger serializes appends on a mutex; rotation happens inline when the
// next line would cross MaxBytes.
type Logger struct {
	opts Options

	mu   sync.Mutex
	file *os.File
	size int64
}

var redactedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"x-api-key":           true,
}

var secretNameFragments = []string{
	"authorization", "token", "secret", "password", "passwd",
	"cookie", "api-key", "apikey", "credential", "session",
}

// secretName reports whether a header or metadata key looks like it
// carries a credential. Matching is by substring so vendor-prefixed
// variants (x-goog-api-key, x-admin-token) are caught too.
func secretName(k string) bool {
	k = strings.ToLower(k)
	if redactedHeaders[k] {
		return true
	}
	for _, frag := range secretNameFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// Open creates the logger; a blank path disables capture and every Append
// becomes a no-op.
func Open(opts Options) (*Logger, error) {
	if opts.Sanitize == "" {
		opts.Sanitize = SanitizeMetadata
	}
	l := &Logger{opts: opts}
	if strings.TrimSpace(opts.Path) == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append sanitizes and writes one entry.
func (l *Logger) Append(e Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil && l.opts.Path == "" {
		return nil
	}

	l.sanitize(&e)
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line := append(raw, '\n')

	if l.opts.MaxBytes > 0 && l.size+int64(len(line)) > l.opts.MaxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) sanitize(e *Entry) {
	switch l.opts.Sanitize {
	case SanitizeFull:
	case SanitizeHeaders:
		e.Prompt = ""
		e.ResponseText = ""
	default: // metadata
		e.Prompt = ""
		e.ResponseText = ""
		e.Headers = nil
	}
	for k := range e.Headers {
		if secretName(k) {
			e.Headers[k] = "[redacted]"
		}
	}
	for k := range e.Metadata {
		if secretName(k) {
			e.Metadata[k] = "[redacted]"
		}
	}
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	l.file = f
	l.size = size
	return nil
}

// rotate shifts the ring: raw.jsonl.N-1 -> raw.jsonl.N up to MaxFiles,
// then raw.jsonl -> raw.jsonl.1, then reopens and purges by age.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}
	l.file = nil

	maxFiles := l.opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}
	os.Remove(ringName(l.opts.Path, maxFiles))
	for i := maxFiles - 1; i >= 1; i-- {
		src := ringName(l.opts.Path, i)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, ringName(l.opts.Path, i+1))
		}
	}
	if err := os.Rename(l.opts.Path, ringName(l.opts.Path, 1)); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	l.purgeByAge(maxFiles)
	return l.open()
}

func (l *Logger) purgeByAge(maxFiles int) {
	if l.opts.MaxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(l.opts.MaxAgeDays) * 24 * time.Hour)
	for i := 1; i <= maxFiles; i++ {
		name := ringName(l.opts.Path, i)
		st, err := os.Stat(name)
		if err != nil {
			continue
		}
		if st.ModTime().Before(cutoff) {
			os.Remove(name)
		}
	}
}

func ringName(base string, i int) string {
	return fmt.Sprintf("%s.%d", base, i)
}
