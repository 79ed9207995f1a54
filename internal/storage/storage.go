// Package storage defines the object-storage contract hellofn writes through
// and the types shared by its backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Content types written by hellofn.
const (
	ContentTypeText        = "text/plain; charset=utf-8"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrInvalidTarget indicates a write without a bucket.
	ErrInvalidTarget = errors.New("storage: invalid target")
	// ErrInvalidKey indicates an empty or malformed object name.
	ErrInvalidKey = errors.New("storage: invalid object name")
	// ErrNotFound indicates the requested bucket or object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed is returned by backends used after Close.
	ErrClosed = errors.New("storage: backend closed")
)

// Target names where an object is written. Backends without a namespace
// concept ignore Namespace.
type Target struct {
	Namespace string
	Bucket    string
}

// Validate checks that the target names a bucket.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Bucket) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidTarget)
	}
	return nil
}

func (t Target) String() string {
	if t.Namespace == "" {
		return t.Bucket
	}
	return t.Namespace + "/" + t.Bucket
}

// PutObjectOptions controls object writes.
type PutObjectOptions struct {
	ContentType string
	// Size is the payload length when known, or -1.
	Size     int64
	Metadata map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	VersionID    string
	RequestID    string
	LastModified time.Time
}

// Backend writes objects into a bucket.
type Backend interface {
	// PutObject stores body under key in target. Implementations never retry;
	// service failures are returned classified as fault.KindUpstream.
	PutObject(ctx context.Context, target Target, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// Close releases resources held by the backend.
	Close() error
}

// Describer is implemented by backends that can name themselves for logs and
// readiness reports.
type Describer interface {
	Describe() string
}

// Describe returns a short label for b.
func Describe(b Backend) string {
	if b == nil {
		return "none"
	}
	if d, ok := b.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", b)
}

// ValidateKey rejects object names that every backend would refuse.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > 1024:
		return fmt.Errorf("%w: longer than 1024 bytes", ErrInvalidKey)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: leading slash", ErrInvalidKey)
	}
	return nil
}

// PayloadSize returns opts.Size when set, otherwise the length of body when it
// exposes one, otherwise -1.
func PayloadSize(body io.Reader, opts PutObjectOptions) int64 {
	if opts.Size > 0 {
		return opts.Size
	}
	if l, ok := body.(interface{ Len() int }); ok {
		return int64(l.Len())
	}
	return -1
}
