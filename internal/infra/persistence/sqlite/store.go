// Package sqlite provides an embedded snapshotting persistent store for the
// registry. The full registry document is written to a single-row state table
// after every successful mutation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"runregistry/internal/infra/persistence/memory"
	"runregistry/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const stateBucket = "registry"

// Store persists the in-memory state to SQLite as a JSON blob.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "runregistry.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, stateBucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	var doc domain.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode registry document: %w", err)
	}
	s.Import(doc)
	return nil
}

func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.Export()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode registry document: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
		stateBucket, payload,
	); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Add delegates to the in-memory store, then snapshots state to SQLite.
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

// ApplyChanges delegates to the in-memory store, then snapshots state to SQLite.
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

// Archive delegates to the in-memory store, then snapshots state to SQLite.
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

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
