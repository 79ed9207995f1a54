// Package azure implements storage.Backend on Azure Blob Storage. The target
// bucket maps onto a blob container.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Prefix     string
	// CreateContainers creates the target container on first write instead of
	// reporting ContainerNotFound.
	CreateContainers bool
	Transport        http.RoundTripper
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client   *azblob.Client
	endpoint string
	prefix   string
	create   bool
	ensured  sync.Map
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions(cfg.Transport)
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:   client,
		endpoint: endpoint,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		create:   cfg.CreateContainers,
	}, nil
}

// Retries are disabled; a failed write surfaces on the first attempt.
func defaultClientOptions(rt http.RoundTripper) *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(rt),
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter(rt http.RoundTripper) policy.Transporter {
	if rt != nil {
		return transportAdapter{rt: rt}
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return "azure " + s.endpoint }

// Client exposes the underlying Azure Blob client (primarily for diagnostics).
func (s *Store) Client() *azblob.Client { return s.client }

// Close satisfies storage.Backend and is a no-op for Azure.
func (s *Store) Close() error { return nil }

func (s *Store) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) ensureContainer(ctx context.Context, container string) error {
	if !s.create {
		return nil
	}
	if _, ok := s.ensured.Load(container); ok {
		return nil
	}
	if _, err := s.client.CreateContainer(ctx, container, nil); err != nil && !isContainerExists(err) {
		return classify("azure.create_container", err)
	}
	s.ensured.Store(container, struct{}{})
	return nil
}

// PutObject implements storage.Backend.
func (s *Store) PutObject(ctx context.Context, target storage.Target, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := s.ensureContainer(ctx, target.Bucket); err != nil {
		return nil, err
	}
	logger := svcfields.FromContext(ctx)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	if len(opts.Metadata) > 0 {
		uploadOpts.Metadata = make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			uploadOpts.Metadata[k] = to.Ptr(v)
		}
	}
	name := s.blobName(key)
	counter := &countingReader{r: body}
	logger.Trace("azure.put_object.begin", "container", target.Bucket, "blob", name)
	resp, err := s.client.UploadStream(ctx, target.Bucket, name, counter, uploadOpts)
	if err != nil {
		logger.Debug("azure.put_object.error", "container", target.Bucket, "blob", name, "error", err)
		return nil, classify("azure.put_object", err)
	}
	info := &storage.ObjectInfo{Key: key, Size: counter.n}
	if resp.ETag != nil {
		info.ETag = strings.Trim(string(*resp.ETag), "\"")
	}
	if resp.VersionID != nil {
		info.VersionID = *resp.VersionID
	}
	if resp.RequestID != nil {
		info.RequestID = *resp.RequestID
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	return info, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func classify(op string, err error) error {
	detail := fault.UpstreamDetail{Service: "azblob"}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		detail.Status = respErr.StatusCode
		detail.Code = respErr.ErrorCode
		detail.Message = respErr.ErrorCode
		if respErr.RawResponse != nil {
			detail.RequestID = respErr.RawResponse.Header.Get("x-ms-request-id")
		}
	}
	if detail.Message == "" {
		detail.Message = err.Error()
	}
	return fault.Upstream(op, detail, err)
}
