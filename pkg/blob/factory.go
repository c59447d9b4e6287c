package blob

import (
	"context"

	"github.com/keelrun/keel/pkg/fault"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// GCSConfig holds GCS store settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Settings selects and configures a blob backend.
type Settings struct {
	Backend Backend
	// Dir is the base directory for the fs backend.
	Dir string
	S3  S3Config
	GCS GCSConfig
}

// NewStore builds the configured blob store. The gcs backend requires the
// gcp build tag.
func NewStore(ctx context.Context, s Settings) (Store, error) {
	switch s.Backend {
	case "", BackendFS:
		dir := s.Dir
		if dir == "" {
			dir = "data/blobs"
		}
		return NewFileStore(dir)
	case BackendS3:
		if s.S3.Bucket == "" {
			return nil, fault.New(fault.CodeInvalidArgument, "blob: s3 backend requires a bucket").WithField("bucket")
		}
		return NewS3Store(ctx, s.S3)
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return nil, fault.New(fault.CodeInvalidArgument, "blob: gcs backend requires a bucket").WithField("bucket")
		}
		return newGCSStore(ctx, s.GCS)
	default:
		return nil, fault.New(fault.CodeInvalidArgument, "blob: unsupported backend %q", s.Backend).WithField("backend")
	}
}
