package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "bridged.log")
	w, err := NewRotatingWriter(base, 32)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	line := strings.Repeat("x", 20) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	today := time.Now().UTC().Format("2006-01-02")
	first := filepath.Join(dir, "bridged-"+today+".log")
	second := filepath.Join(dir, "bridged-"+today+"-2.log")
	if _, err := os.Stat(first); err != nil {
		t.Errorf("first file missing: %v", err)
	}
	if _, err := os.Stat(second); err != nil {
		t.Errorf("rollover file missing: %v", err)
	}
}

func TestPointerTracksActiveFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "bridged.log")
	w, err := NewRotatingWriter(base, 1024)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Lstat(base)
	if err != nil {
		t.Fatalf("pointer missing: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Skip("filesystem does not support symlinks")
	}
	today := time.Now().UTC().Format("2006-01-02")
	dest, err := os.Readlink(base)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if want := filepath.Join(dir, "bridged-"+today+".log"); dest != want {
		t.Errorf("pointer = %q, want %q", dest, want)
	}
}

func TestDebugEnabled(t *testing.T) {
	for _, level := range []string{"debug", "DEBUG", " trace "} {
		if !DebugEnabled(level) {
			t.Errorf("DebugEnabled(%q) = false", level)
		}
	}
	for _, level := range []string{"", "info", "warn"} {
		if DebugEnabled(level) {
			t.Errorf("DebugEnabled(%q) = true", level)
		}
	}
}

func TestDisabledWriter(t *testing.T) {
	w, err := NewRotatingWriter("-", 1024)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Errorf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
