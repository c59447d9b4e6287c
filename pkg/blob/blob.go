// Package blob is content-addressed storage for oversized payloads and
// results. Events in the log carry only the ref; the bytes live here.
// Refs are "sha256:<hex>", so a fetched blob is always verifiable against
// its ref.
package blob

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keelrun/keel/pkg/canonicalize"
	"github.com/keelrun/keel/pkg/fault"
)

const refPrefix = "sha256:"

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its ref. Idempotent: storing the same
	// bytes twice returns the same ref without rewriting.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// Ref computes the ref data would be stored under.
func Ref(data []byte) string {
	return refPrefix + canonicalize.HashBytes(data)
}

// parseRef validates a ref and returns the raw hex digest.
func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fault.New(fault.CodeInvalidArgument, "malformed blob ref %q", ref).WithField("ref")
	}
	raw := strings.TrimPrefix(ref, refPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fault.Wrap(fault.CodeInvalidArgument, err, "malformed blob ref %q", ref).WithField("ref")
	}
	return raw, nil
}

// FileStore keeps blobs as files under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a filesystem store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "blob: create dir %s", baseDir)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	path := s.path(strings.TrimPrefix(ref, refPrefix))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to a temp name, then rename so a reader never sees a torn blob.
	tmp, err := os.CreateTemp(s.baseDir, ".blob-*")
	if err != nil {
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: close temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fault.Wrap(fault.CodeIOFailed, err, "blob: commit")
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(raw))
	if os.IsNotExist(err) {
		return nil, fault.New(fault.CodeNotFound, "blob %s not found", ref)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "blob: open %s", ref)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fault.Wrap(fault.CodeIOFailed, err, "blob: read %s", ref)
	}
	// Content addressing makes corruption detectable on every read.
	if Ref(data) != ref {
		return nil, fault.New(fault.CodeInternal, "blob %s failed content verification", ref)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fault.Wrap(fault.CodeIOFailed, err, "blob: stat %s", ref)
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.CodeIOFailed, err, "blob: delete %s", ref)
	}
	return nil
}
