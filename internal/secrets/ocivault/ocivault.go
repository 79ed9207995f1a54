// Package ocivault reads secret bundles from OCI Vault.
package ocivault

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/secrets"

	"pkt.systems/hellofn/internal/fault"
)

const defaultTimeout = 30 * time.Second

// Config controls the OCI Vault secrets client.
type Config struct {
	Provider common.ConfigurationProvider
	// Endpoint overrides the regional secrets endpoint.
	Endpoint  string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Fetcher implements secrets.Fetcher against the OCI Secrets service.
type Fetcher struct {
	client secrets.SecretsClient
}

// New builds a secrets client bound to cfg.Provider.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("ocivault: configuration provider is required")
	}
	client, err := secrets.NewSecretsClientWithConfigurationProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("ocivault: create secrets client: %w", err)
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
		transport = http.DefaultTransport
	}
	client.HTTPClient = &http.Client{Timeout: timeout, Transport: transport}
	return &Fetcher{client: client}, nil
}

// Fetch returns the base64 content of the current version of secret id.
func (f *Fetcher) Fetch(ctx context.Context, id string) (string, error) {
	noRetry := common.NoRetryPolicy()
	resp, err := f.client.GetSecretBundle(ctx, secrets.GetSecretBundleRequest{
		SecretId:        common.String(id),
		RequestMetadata: common.RequestMetadata{RetryPolicy: &noRetry},
	})
	if err != nil {
		if serviceErr, ok := common.IsServiceError(err); ok {
			return "", fault.Upstream("ocivault.fetch", fault.UpstreamDetail{
				Service:   "secrets",
				Status:    serviceErr.GetHTTPStatusCode(),
				Code:      serviceErr.GetCode(),
				Message:   serviceErr.GetMessage(),
				RequestID: serviceErr.GetOpcRequestID(),
			}, err)
		}
		return "", fault.Upstream("ocivault.fetch", fault.UpstreamDetail{Service: "secrets", Message: err.Error()}, err)
	}
	content, ok := resp.SecretBundleContent.(secrets.Base64SecretBundleContentDetails)
	if !ok {
		if ptr, isPtr := resp.SecretBundleContent.(*secrets.Base64SecretBundleContentDetails); isPtr && ptr != nil {
			content, ok = *ptr, true
		}
	}
	if !ok || content.Content == nil {
		return "", fmt.Errorf("ocivault: secret %s has no base64 content", id)
	}
	return *content.Content, nil
}
