// Package memory implements storage.Backend in-process; intended for tests and
// local dev.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
)

// Object is a stored object snapshot.
type Object struct {
	Key         string
	Payload     []byte
	ContentType string
	Metadata    map[string]string
	ETag        string
	Updated     time.Time
}

// Store keeps objects in a map keyed by target and object name.
type Store struct {
	mu       sync.RWMutex
	buckets  map[storage.Target]map[string]*Object
	strict   bool
	failWith error
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithBuckets pre-creates buckets and makes writes to any other bucket fail
// with a 404 upstream error.
func WithBuckets(targets ...storage.Target) Option {
	return func(s *Store) {
		s.strict = true
		for _, t := range targets {
			s.buckets[t] = make(map[string]*Object)
		}
	}
}

// New returns an empty store. Without WithBuckets, buckets are created on first write.
func New(opts ...Option) *Store {
	s := &Store{buckets: make(map[storage.Target]map[string]*Object)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "mem" }

// FailWith makes every subsequent PutObject return err (nil clears it).
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// PutObject implements storage.Backend.
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
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if s.failWith != nil {
		return nil, s.failWith
	}
	bucket, ok := s.buckets[target]
	if !ok {
		if s.strict {
			return nil, fault.Upstream("memory.put_object", fault.UpstreamDetail{
				Service: "mem",
				Status:  404,
				Code:    "BucketNotFound",
				Message: fmt.Sprintf("bucket %s does not exist", target),
			}, storage.ErrNotFound)
		}
		bucket = make(map[string]*Object)
		s.buckets[target] = bucket
	}
	sum := md5.Sum(payload)
	obj := &Object{
		Key:         key,
		Payload:     payload,
		ContentType: opts.ContentType,
		ETag:        hex.EncodeToString(sum[:]),
		Updated:     time.Now().UTC(),
	}
	if len(opts.Metadata) > 0 {
		obj.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			obj.Metadata[k] = v
		}
	}
	bucket[key] = obj
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         obj.ETag,
		Size:         int64(len(payload)),
		LastModified: obj.Updated,
	}, nil
}

// Get returns a copy of the object stored under key.
func (s *Store) Get(target storage.Target, key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[target][key]
	if !ok {
		return Object{}, false
	}
	out := *obj
	out.Payload = append([]byte(nil), obj.Payload...)
	return out, true
}

// Keys lists object names in target in lexical order.
func (s *Store) Keys(target storage.Target) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[target]))
	for k := range s.buckets[target] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements storage.Backend.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
