package registry

import (
	"fmt"
	"os"

	"runregistry/internal/infra/persistence/jsonfile"
	"runregistry/internal/infra/persistence/memory"
	"runregistry/internal/infra/persistence/postgres"
	"runregistry/internal/infra/persistence/sqlite"
	"runregistry/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageJSONFile StorageDriver = "jsonfile" // single JSON registry document
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to the JSON registry document when unset.
//
//	RUNREGISTRY_STORAGE_DRIVER: memory|jsonfile|sqlite|postgres (default jsonfile)
//	RUNREGISTRY_JSON_PATH: path to the registry document (default ./registry.json)
//	RUNREGISTRY_SQLITE_PATH: path to sqlite file (default ./runregistry.db)
//	RUNREGISTRY_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore() (domain.PersistentStore, error) {
	driver := os.Getenv("RUNREGISTRY_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageJSONFile)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageJSONFile:
		path := os.Getenv("RUNREGISTRY_JSON_PATH")
		return jsonfile.NewStore(path)
	case StorageSQLite:
		path := os.Getenv("RUNREGISTRY_SQLITE_PATH")
		return sqlite.NewStore(path)
	case StoragePostgres:
		dsn := os.Getenv("RUNREGISTRY_POSTGRES_DSN")
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
