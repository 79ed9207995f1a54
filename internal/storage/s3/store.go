// Package s3 implements storage.Backend on any S3-compatible endpoint
// (MinIO, Ceph, the OCI S3 compatibility API) through minio-go.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store. Without CustomCreds the AWS and MinIO environment
// variables, the shared credentials file and IAM are consulted in that order.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if strings.Contains(endpoint, "://") {
		endpoint = endpoint[strings.Index(endpoint, "://")+3:]
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Endpoint = endpoint
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "s3 " + s.cfg.Endpoint }

// Client exposes the underlying minio client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// Close satisfies storage.Backend and is a no-op for minio.
func (s *Store) Close() error { return nil }

// BucketExists reports whether target's bucket is reachable.
func (s *Store) BucketExists(ctx context.Context, target storage.Target) (bool, error) {
	ok, err := s.client.BucketExists(ctx, target.Bucket)
	if err != nil {
		return false, classify("s3.bucket_exists", err)
	}
	return ok, nil
}

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(strings.TrimSpace(s.cfg.ServerSideEnc)) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if sse, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
			opts.ServerSideEncryption = sse
		}
	}
}

// PutObject implements storage.Backend.
func (s *Store) PutObject(ctx context.Context, target storage.Target, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	logger := svcfields.FromContext(ctx)
	object := s.objectKey(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	if len(opts.Metadata) > 0 {
		putOpts.UserMetadata = opts.Metadata
	}
	s.applySSE(&putOpts)
	size := storage.PayloadSize(body, opts)
	logger.Trace("s3.put_object.begin", "bucket", target.Bucket, "object", object, "size", size)
	info, err := s.client.PutObject(ctx, target.Bucket, object, body, size, putOpts)
	if err != nil {
		logger.Debug("s3.put_object.error", "bucket", target.Bucket, "object", object, "error", err)
		return nil, classify("s3.put_object", err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(info.ETag, "\""),
		Size:         info.Size,
		VersionID:    info.VersionID,
		LastModified: info.LastModified,
	}, nil
}

func classify(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	detail := fault.UpstreamDetail{
		Service:   "s3",
		Status:    resp.StatusCode,
		Code:      resp.Code,
		Message:   resp.Message,
		RequestID: resp.RequestID,
	}
	if detail.Message == "" {
		detail.Message = err.Error()
	}
	return fault.Upstream(op, detail, err)
}
