// Package audit keeps a bounded, persisted trail of registry mutations. The
// log is diagnostic, not authoritative: the registry document is the source
// of truth, and old entries are dropped once the cap is reached.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"runregistry/pkg/domain"
)

// DefaultMaxEntries bounds the log when no explicit cap is given.
const DefaultMaxEntries = 1000

type document struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// Log is an append-only, size-bounded mutation history. With an empty path
// the log is memory-only (tests, dry runs).
type Log struct {
	mu      sync.Mutex
	path    string
	max     int
	entries []domain.AuditEntry
	nowFn   func() time.Time
}

// NewLog opens (or creates) an audit log at path, retaining at most max
// entries. max <= 0 selects DefaultMaxEntries.
func NewLog(path string, max int) (*Log, error) {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	l := &Log{
		path:  path,
		max:   max,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetNowFunc overrides the clock. Intended for tests.
func (l *Log) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		l.nowFn = fn
	}
}

func (l *Log) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode audit log: %w", err)
	}
	l.entries = doc.Entries
	l.trim()
	return nil
}

// Append records one mutation, newest last, dropping the oldest entries once
// the cap is exceeded. Entries are never mutated after append.
func (l *Log) Append(entry domain.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.nowFn()
	}
	l.entries = append(l.entries, entry)
	l.trim()
	if l.path == "" {
		return nil
	}
	return l.persist()
}

func (l *Log) trim() {
	if len(l.entries) > l.max {
		overflow := len(l.entries) - l.max
		l.entries = append([]domain.AuditEntry(nil), l.entries[overflow:]...)
	}
}

func (l *Log) persist() error {
	data, err := json.MarshalIndent(document{Entries: l.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".audit-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp audit log: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp audit log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp audit log: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("replace audit log: %w", err)
	}
	return nil
}

// Entries returns a replay copy of the retained history, oldest first.
func (l *Log) Entries() []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Max returns the retention cap.
func (l *Log) Max() int { return l.max }
