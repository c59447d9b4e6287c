//go:build gcp

package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/keelrun/keel/pkg/fault"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS-backed blob store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeUnavailable, err, "blob: gcs client")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := Ref(data)
	obj := s.object(strings.TrimPrefix(ref, refPrefix))

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: gcs write")
	}
	if err := w.Close(); err != nil {
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: gcs commit")
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fault.New(fault.CodeNotFound, "blob %s not found", ref)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "blob: gcs get %s", ref)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "blob: gcs read %s", ref)
	}
	if Ref(data) != ref {
		return nil, fault.New(fault.CodeInternal, "blob %s failed content verification", ref)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.object(raw).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fault.Wrap(fault.CodeIOFailed, err, "blob: gcs attrs %s", ref)
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	raw, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := s.object(raw).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fault.Wrap(fault.CodeIOFailed, err, "blob: gcs delete %s", ref)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
