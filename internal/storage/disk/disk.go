// Package disk implements storage.Backend on a local directory tree laid out
// as <root>/<namespace>/<bucket>/<object>.
package disk

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

// defaultNamespace stands in for targets without a namespace.
const defaultNamespace = "_"

// Config controls the disk backend.
type Config struct {
	Root string
	// RequireBuckets reports BucketNotFound for bucket directories that do
	// not exist instead of creating them.
	RequireBuckets bool
}

// Store writes objects below a root directory.
type Store struct {
	root           string
	tmpDir         string
	requireBuckets bool
}

// New prepares the root directory and returns a Store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", tmpDir, err)
	}
	return &Store{root: root, tmpDir: tmpDir, requireBuckets: cfg.RequireBuckets}, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "disk " + s.root }

// Root returns the directory objects are written below.
func (s *Store) Root() string { return s.root }

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

// ObjectPath returns the file an object is stored in.
func (s *Store) ObjectPath(target storage.Target, key string) (string, error) {
	ns := target.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	for _, part := range []string{ns, target.Bucket} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", storage.ErrInvalidTarget, part)
		}
	}
	native := filepath.FromSlash(key)
	clean := filepath.Clean(native)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q escapes bucket", storage.ErrInvalidKey, key)
	}
	// Keys that only resolve after cleaning would alias other keys.
	if clean != native {
		return "", fmt.Errorf("%w: %q is not a canonical path", storage.ErrInvalidKey, key)
	}
	return filepath.Join(s.root, ns, target.Bucket, clean), nil
}

// PutObject implements storage.Backend. Data is written to a temp file,
// synced (unless ctx carries storage.ContextWithNoSync) and renamed into place.
func (s *Store) PutObject(ctx context.Context, target storage.Target, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := svcfields.FromContext(ctx)
	dataPath, err := s.ObjectPath(target, key)
	if err != nil {
		return nil, err
	}
	bucketDir := filepath.Join(s.root, firstNonEmpty(target.Namespace, defaultNamespace), target.Bucket)
	if s.requireBuckets {
		if _, err := os.Stat(bucketDir); os.IsNotExist(err) {
			return nil, fault.Upstream("disk.put_object", fault.UpstreamDetail{
				Service: "disk",
				Status:  404,
				Code:    "BucketNotFound",
				Message: fmt.Sprintf("bucket %q does not exist in namespace %q", target.Bucket, target.Namespace),
			}, storage.ErrNotFound)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if storage.NoSyncFromContext(ctx) {
		logger.Trace("disk.put_object.no_sync", "key", key)
	} else if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:  key,
		ETag: hex.EncodeToString(hasher.Sum(nil)),
		Size: written,
	}
	if fi, err := os.Stat(dataPath); err == nil {
		info.LastModified = fi.ModTime()
	}
	logger.Trace("disk.put_object.success", "path", dataPath, "size", written)
	return info, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
