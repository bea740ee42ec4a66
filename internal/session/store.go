package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// fileState is the persisted shape: {"bindings": {slot: conversation_id}}.
type fileState struct {
	Bindings map[string]string `json:"bindings"`
}

// Store persists slot → conversation bindings. Writes serialize on a
// mutex and land via same-directory temp + rename, so readers never see a
// partial file. Reads are served from the in-memory map.
type Store struct {
	path string

	writeMu sync.Mutex

	mu       sync.RWMutex
	bindings map[string]string
}

// OpenStore loads the bindings file if it exists.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, bindings: map[string]string{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session bindings: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse session bindings %s: %w", path, err)
	}
	if st.Bindings != nil {
		s.bindings = st.Bindings
	}
	return s, nil
}

// Get returns the bound conversation id for a slot.
func (s *Store) Get(slot string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[slot]
	return id, ok
}

// Snapshot copies the current bindings.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out
}

// Put records a binding and rewrites the file atomically.
func (s *Store) Put(slot, conversationID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.bindings[slot] = conversationID
	snapshot := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		snapshot[k] = v
	}
	s.mu.Unlock()

	return s.flush(snapshot)
}

// Delete purges a binding and rewrites the file atomically. Deleting a
// slot that is not bound is a no-op.
func (s *Store) Delete(slot string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.bindings[slot]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.bindings, slot)
	snapshot := make(map[string]string, len(s.bindings))
	for k, v := range s.bindings {
		snapshot[k] = v
	}
	s.mu.Unlock()

	return s.flush(snapshot)
}

func (s *Store) flush(bindings map[string]string) error {
	raw, err := json.MarshalIndent(fileState{Bindings: bindings}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session bindings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bindings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp bindings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp bindings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp bindings file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace bindings file: %w", err)
	}
	return nil
}
