// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics while snapshotting the registry document to a JSONB
// state table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"runregistry/internal/infra/persistence/memory"
	"runregistry/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/runregistry?sslmode=disable"

	stateBucket = "registry"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation
// for registry semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the state table exists, and hydrates the in-memory
// store from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	s := &Store{Store: mem, db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = $1`, stateBucket).Scan(&payload)
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

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.Export()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode registry document: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
		stateBucket, payload,
	); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Add delegates to the in-memory store, then snapshots to Postgres.
func (s *Store) Add(ctx context.Context, record domain.ExperimentRecord, force bool) (domain.AddOutcome, error) {
	outcome, err := s.Store.Add(ctx, record, force)
	if err != nil {
		return outcome, err
	}
	if pErr := s.persist(ctx); pErr != nil {
		return outcome, pErr
	}
	return outcome, nil
}

// ApplyChanges delegates to the in-memory store, then snapshots to Postgres.
func (s *Store) ApplyChanges(ctx context.Context, runID string, changes []domain.ExperimentChange) (domain.ExperimentRecord, error) {
	rec, err := s.Store.ApplyChanges(ctx, runID, changes)
	if err != nil {
		return rec, err
	}
	if pErr := s.persist(ctx); pErr != nil {
		return rec, pErr
	}
	return rec, nil
}

// Archive delegates to the in-memory store, then snapshots to Postgres.
func (s *Store) Archive(ctx context.Context, runID, reason string) (domain.ExperimentRecord, error) {
	rec, err := s.Store.Archive(ctx, runID, reason)
	if err != nil {
		return rec, err
	}
	if pErr := s.persist(ctx); pErr != nil {
		return rec, pErr
	}
	return rec, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
