// Package hcvault reads credential bundles from a HashiCorp Vault KV v2 mount.
package hcvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	vault "github.com/hashicorp/vault/api"

	"pkt.systems/hellofn/internal/fault"
)

// Defaults applied by New.
const (
	DefaultMount = "secret"
	DefaultField = "content"
)

// Config controls the Vault client.
type Config struct {
	Address   string
	Token     string
	Namespace string
	// Mount is the KV v2 mount path. Defaults to "secret".
	Mount string
	// Field names the key in the secret data holding the base64 payload.
	Field      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Fetcher implements secrets.Fetcher against Vault.
type Fetcher struct {
	client *vault.Client
	mount  string
	field  string
}

// New builds a Vault client from cfg alone. VAULT_* variables in the process
// environment are not consulted; callers resolve them from their own snapshot.
func New(cfg Config) (*Fetcher, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fault.New(fault.KindConfiguration, "hcvault.new", "hcvault: vault address is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: cleanhttp.DefaultPooledTransport()}
	}
	vcfg := &vault.Config{
		Address:    cfg.Address,
		HttpClient: httpClient,
		Timeout:    cfg.Timeout,
		MaxRetries: 0,
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("hcvault: create client: %w", err)
	}
	// NewClient applies VAULT_TOKEN and VAULT_NAMESPACE from the live
	// environment; overwrite both.
	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	} else {
		client.ClearNamespace()
	}
	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = DefaultMount
	}
	field := cfg.Field
	if field == "" {
		field = DefaultField
	}
	return &Fetcher{client: client, mount: mount, field: field}, nil
}

// Fetch reads <mount>/data/<id> and returns the configured field.
func (f *Fetcher) Fetch(ctx context.Context, id string) (string, error) {
	secretPath := f.mount + "/data/" + strings.Trim(id, "/")
	secret, err := f.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", classify(err)
	}
	if secret == nil || secret.Data == nil {
		return "", fault.Upstream("hcvault.fetch", fault.UpstreamDetail{
			Service: "vault",
			Status:  http.StatusNotFound,
			Message: "secret " + secretPath + " not found",
		}, fmt.Errorf("hcvault: secret %s not found", secretPath))
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("hcvault: secret %s is not a KV v2 secret", secretPath)
	}
	value, ok := data[f.field].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("hcvault: secret %s has no %q field", secretPath, f.field)
	}
	return value, nil
}

func classify(err error) error {
	detail := fault.UpstreamDetail{Service: "vault", Message: err.Error()}
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		detail.Status = respErr.StatusCode
		if len(respErr.Errors) > 0 {
			detail.Message = strings.Join(respErr.Errors, "; ")
		}
	}
	return fault.Upstream("hcvault.fetch", detail, err)
}
