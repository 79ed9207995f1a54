// Package aws implements storage.Backend on Amazon S3 via aws-sdk-go-v2.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
)

const awsOpTimeout = time.Minute

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	// AccessKeyID and SecretAccessKey pin static credentials; when empty the
	// default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
		// S3-compatible targets reject trailing checksums on plain uploads.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Describe implements storage.Describer.
func (s *Store) Describe() string {
	if s.cfg.Endpoint != "" {
		return "aws " + s.cfg.Endpoint
	}
	return "aws " + s.cfg.Region
}

// Client exposes the underlying AWS client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
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
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(object),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if size := storage.PayloadSize(body, opts); size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	logger.Trace("aws.put_object.begin", "bucket", target.Bucket, "object", object)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		logger.Debug("aws.put_object.error", "bucket", target.Bucket, "object", object, "error", err)
		return nil, classify("aws.put_object", err)
	}
	info := &storage.ObjectInfo{
		Key:  key,
		ETag: strings.Trim(aws.ToString(out.ETag), "\""),
	}
	if input.ContentLength != nil {
		info.Size = *input.ContentLength
	}
	info.VersionID = aws.ToString(out.VersionId)
	return info, nil
}

func applySSEToPut(input *s3.PutObjectInput, sse, kmsKeyID string) {
	switch strings.ToUpper(strings.TrimSpace(sse)) {
	case "":
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if kmsKeyID != "" {
			input.SSEKMSKeyId = aws.String(kmsKeyID)
		}
	}
}

func classify(op string, err error) error {
	detail := fault.UpstreamDetail{Service: "s3", Message: err.Error()}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		detail.Code = apiErr.ErrorCode()
		if msg := apiErr.ErrorMessage(); msg != "" {
			detail.Message = msg
		} else {
			detail.Message = apiErr.ErrorCode()
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		detail.Status = respErr.HTTPStatusCode()
		detail.RequestID = respErr.ServiceRequestID()
	}
	return fault.Upstream(op, detail, err)
}
