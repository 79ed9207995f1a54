// Package oci implements storage.Backend on OCI Object Storage.
package oci

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

const defaultTimeout = 30 * time.Second

// Config controls the OCI Object Storage backend.
type Config struct {
	// Provider supplies the signing identity. Required.
	Provider common.ConfigurationProvider
	// Endpoint overrides the regional endpoint (scheme://host[:port]).
	Endpoint string
	// Timeout bounds each HTTP exchange. Defaults to 30s.
	Timeout time.Duration
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// Store writes objects through the OCI Object Storage API.
type Store struct {
	client objectstorage.ObjectStorageClient
	host   string
}

// New builds an Object Storage client bound to cfg.Provider.
func New(cfg Config) (*Store, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("oci: configuration provider is required")
	}
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("oci: create object storage client: %w", err)
	}
	if endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); endpoint != "" {
		client.Host = endpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = defaultTransport()
	}
	client.HTTPClient = &http.Client{Timeout: timeout, Transport: transport}
	return &Store{client: client, host: client.Host}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	return clone
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "oci " + s.host }

// PutObject implements storage.Backend. The SDK's default retry policy is
// disabled for the call.
func (s *Store) PutObject(ctx context.Context, target storage.Target, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(target.Namespace) == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidTarget)
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	logger := svcfields.FromContext(ctx)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	noRetry := common.NoRetryPolicy()
	req := objectstorage.PutObjectRequest{
		NamespaceName: common.String(target.Namespace),
		BucketName:    common.String(target.Bucket),
		ObjectName:    common.String(key),
		PutObjectBody: io.NopCloser(body),
		ContentType:   common.String(contentType),
		RequestMetadata: common.RequestMetadata{
			RetryPolicy: &noRetry,
		},
	}
	if size := storage.PayloadSize(body, opts); size >= 0 {
		req.ContentLength = common.Int64(size)
	}
	if len(opts.Metadata) > 0 {
		req.OpcMeta = opts.Metadata
	}
	logger.Trace("oci.put_object.begin", "namespace", target.Namespace, "bucket", target.Bucket, "object", key)
	resp, err := s.client.PutObject(ctx, req)
	if err != nil {
		logger.Debug("oci.put_object.error", "namespace", target.Namespace, "bucket", target.Bucket, "object", key, "error", err)
		return nil, classify("oci.put_object", err)
	}
	info := &storage.ObjectInfo{
		Key:       key,
		ETag:      deref(resp.ETag),
		VersionID: deref(resp.VersionId),
		RequestID: deref(resp.OpcRequestId),
	}
	if req.ContentLength != nil {
		info.Size = *req.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.Time
	}
	return info, nil
}

// Close satisfies storage.Backend and is a no-op for the OCI client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying SDK client for diagnostics.
func (s *Store) Client() objectstorage.ObjectStorageClient { return s.client }

func classify(op string, err error) error {
	if serviceErr, ok := common.IsServiceError(err); ok {
		return fault.Upstream(op, fault.UpstreamDetail{
			Service:   "objectstorage",
			Status:    serviceErr.GetHTTPStatusCode(),
			Code:      serviceErr.GetCode(),
			Message:   serviceErr.GetMessage(),
			RequestID: serviceErr.GetOpcRequestID(),
		}, err)
	}
	return fault.Upstream(op, fault.UpstreamDetail{Service: "objectstorage", Message: err.Error()}, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
