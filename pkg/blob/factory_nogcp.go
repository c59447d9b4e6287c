//go:build !gcp

package blob

import (
	"context"

	"github.com/keelrun/keel/pkg/fault"
)

func newGCSStore(ctx context.Context, cfg GCSConfig) (Store, error) {
	return nil, fault.New(fault.CodeInvalidArgument, "blob: gcs backend is not compiled in (build with -tags gcp)")
}
