// Package logging is the bridge's file log channel: a writer that rotates
// by UTC day and by size, keeping a stable pointer at the configured path,
// plus the log-level gate for debug output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DebugEnabled reports whether the configured level unlocks debug output.
func DebugEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return true
	default:
		return false
	}
}

// RotatingWriter appends to <prefix>-YYYY-MM-DD.log next to the configured
// path, starting a fresh file on each UTC day and a numbered sibling
// (<prefix>-YYYY-MM-DD-N.log) when a write would cross maxBytes. The
// configured path itself is kept as a symlink to the active file so tail -F
// on it survives rotation.
type RotatingWriter struct {
	base     string
	maxBytes int64

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens the writer for basePath. "-" disables file
// output entirely.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{io.Discard}, nil
	}
	w := &RotatingWriter{base: basePath, maxBytes: maxBytes}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// roll opens the right target for an incoming write of n bytes. Days are
// UTC so a restart in another timezone never rewinds the sequence.
func (w *RotatingWriter) roll(n int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.size+n > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	target := w.targetPath()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.point(target)
	return nil
}

// targetPath derives the dated file name from the configured path.
func (w *RotatingWriter) targetPath() string {
	dir := filepath.Dir(w.base)
	name := filepath.Base(w.base)
	ext := filepath.Ext(name)
	prefix := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	dated := fmt.Sprintf("%s-%s%s", prefix, w.day, ext)
	if w.index > 1 {
		dated = fmt.Sprintf("%s-%s-%d%s", prefix, w.day, w.index, ext)
	}
	return filepath.Join(dir, dated)
}

// point keeps the configured path resolving to the active file: a symlink
// where the filesystem allows it, a one-line pointer file otherwise.
func (w *RotatingWriter) point(target string) {
	if info, err := os.Lstat(w.base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.base); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.base)
	}
	if os.Symlink(target, w.base) == nil {
		return
	}
	_ = os.WriteFile(w.base, []byte("current log file: "+target+"\n"), 0o644)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
