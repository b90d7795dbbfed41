package blob

import (
	"context"
	"fmt"
	"os"

	fsstore "runregistry/internal/infra/blob/fs"
	memorystore "runregistry/internal/infra/blob/memory"
	s3store "runregistry/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = s3store.Config

// NewFilesystem returns a filesystem-backed archive store rooted at path.
func NewFilesystem(root string) (Store, error) { return fsstore.New(root) }

// NewMemory returns an in-memory archive store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewS3 constructs an S3-backed archive store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3store.New(ctx, cfg)
}

// OpenFromEnv constructs an S3 store using environment variables.
func OpenFromEnv(ctx context.Context) (Store, error) {
	return s3store.OpenFromEnv(ctx)
}

// Open selects an archive Store implementation using environment variables.
//
//	RUNREGISTRY_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	RUNREGISTRY_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./archive)
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("RUNREGISTRY_ARCHIVE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("RUNREGISTRY_ARCHIVE_FS_ROOT"))
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}
