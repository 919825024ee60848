package blob

import (
	"context"
	"fmt"

	"cropstore/internal/infra/blob/fs"
	"cropstore/internal/infra/blob/memory"
	"cropstore/internal/infra/blob/minio"
	infraS3 "cropstore/internal/infra/blob/s3"
)

// DefaultBucket is the bucket record files are uploaded to when none is configured.
const DefaultBucket = "cropstore"

type (
	// S3Config re-exports the infra S3 configuration type.
	S3Config = infraS3.Config
	// MinIOConfig re-exports the infra MinIO configuration type.
	MinIOConfig = minio.Config
)

// Config selects and parameterizes a blob backend.
type Config struct {
	Driver Driver
	Bucket string
	FSRoot string // driver=fs; default ./blobdata
	S3     S3Config
	MinIO  MinIOConfig
}

// Open constructs the Store named by cfg.Driver (default fs). The bucket is
// propagated into the driver specific configuration when left empty there.
func Open(ctx context.Context, cfg Config) (Store, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot, bucket)
	case DriverMemory:
		return NewMemory(bucket), nil
	case DriverS3:
		s3cfg := cfg.S3
		if s3cfg.Bucket == "" {
			s3cfg.Bucket = bucket
		}
		return infraS3.New(ctx, s3cfg)
	case DriverMinIO:
		mcfg := cfg.MinIO
		if mcfg.Bucket == "" {
			mcfg.Bucket = bucket
		}
		return minio.New(ctx, mcfg)
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem constructs a filesystem-backed blob.Store rooted at the provided path.
// Returns blob.Store to encourage call sites to depend on the interface instead of
// concrete implementations.
func NewFilesystem(root, bucket string) (Store, error) {
	return fs.New(root, bucket)
}

// NewMemory returns an in-memory blob.Store suitable for tests.
func NewMemory(bucket string) Store { return memory.New(bucket) }

// NewMockS3ForTests exposes the lightweight in-memory S3 mock for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
