// Package jsonfile persists the registry as a single JSON document, the
// canonical interchange artifact external tools read and enrich. Every
// mutation rewrites the whole document under an exclusive lock file using a
// write-temp-then-rename sequence, so concurrent writers fail loudly instead
// of silently losing each other's changes.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runregistry/internal/blob/core"
	"runregistry/internal/infra/persistence/memory"
	"runregistry/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a single JSON registry document.
type Store struct {
	*memory.Store
	path string
}

// NewStore opens (or creates) a JSON-document-backed store at path. Unknown
// document fields are preserved through subsequent rewrites.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "registry.json"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(), path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the configured document path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry document: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode registry document: %w", err)
	}
	s.Import(doc)
	return nil
}

// persist writes the full registry document atomically. The lock file makes
// cross-process interleaving an explicit error instead of a lost update.
func (s *Store) persist() (retErr error) {
	unlock, err := acquireLock(s.path + ".lock")
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && retErr == nil {
			retErr = unlockErr
		}
	}()

	doc := s.Export()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry document: %w", err)
	}
	return nil
}

// acquireLock creates the lock file exclusively. A held lock surfaces as an
// I/O error; retry policy belongs to the caller, not this layer.
func acquireLock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("registry document locked by another writer (%s)", path)
		}
		return nil, fmt.Errorf("acquire registry lock: %w", err)
	}
	_ = f.Close()
	return func() error {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("release registry lock: %w", err)
		}
		return nil
	}, nil
}

// Backup uploads the current registry document to the archive store under a
// timestamped key. Archive objects are create-only, so each backup is a new
// immutable object.
func (s *Store) Backup(ctx context.Context, archive core.Store) (core.Info, error) {
	doc := s.Export()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return core.Info{}, fmt.Errorf("encode registry document: %w", err)
	}
	key := "backups/registry-" + time.Now().UTC().Format("20060102T150405.000000000Z") + ".json"
	info, err := archive.Put(ctx, key, bytes.NewReader(data), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		return core.Info{}, fmt.Errorf("upload registry backup: %w", err)
	}
	return info, nil
}

// Add delegates to the in-memory store, then snapshots the document.
func (s *Store) Add(ctx context.Context, record domain.ExperimentRecord, force bool) (domain.AddOutcome, error) {
	outcome, err := s.Store.Add(ctx, record, force)
	if err != nil {
		return outcome, err
	}
	if pErr := s.persist(); pErr != nil {
		return outcome, pErr
	}
	return outcome, nil
}

// ApplyChanges delegates to the in-memory store, then snapshots the document.
func (s *Store) ApplyChanges(ctx context.Context, runID string, changes []domain.ExperimentChange) (domain.ExperimentRecord, error) {
	rec, err := s.Store.ApplyChanges(ctx, runID, changes)
	if err != nil {
		return rec, err
	}
	if pErr := s.persist(); pErr != nil {
		return rec, pErr
	}
	return rec, nil
}

// Archive delegates to the in-memory store, then snapshots the document.
func (s *Store) Archive(ctx context.Context, runID, reason string) (domain.ExperimentRecord, error) {
	rec, err := s.Store.Archive(ctx, runID, reason)
	if err != nil {
		return rec, err
	}
	if pErr := s.persist(); pErr != nil {
		return rec, pErr
	}
	return rec, nil
}
