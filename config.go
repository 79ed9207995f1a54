package hellofn

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/hellofn/internal/database"
	"pkt.systems/hellofn/internal/httpapi"
	"pkt.systems/hellofn/internal/secrets/hcvault"
)

// Secret sources accepted by Config.SecretSource.
const (
	// SecretSourceOCI reads the database bundle from OCI Vault.
	SecretSourceOCI = "oci"
	// SecretSourceVault reads the database bundle from a HashiCorp Vault KV v2 mount.
	SecretSourceVault = "vault"
	// SecretSourceEnv reads the database bundle from an environment variable named by
	// DB_SECRET_OCID. Local development only.
	SecretSourceEnv = "env"
)

const (
	// DefaultListen is the default TCP endpoint the function binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the listener type when none is configured.
	DefaultListenProto = "tcp"
	// DefaultFDKSocket is where the Fn FDK expects the function to listen on unix sockets.
	DefaultFDKSocket = "/tmp/iofs/lsnr.sock"
	// DefaultStore selects OCI Object Storage with the regional endpoint.
	DefaultStore = "oci://"
	// DefaultSecretSource reads the database secret from OCI Vault.
	DefaultSecretSource = SecretSourceOCI
	// DefaultObjectPrefix prefixes every object name.
	DefaultObjectPrefix = httpapi.DefaultObjectPrefix
	// DefaultGreeting opens every object payload.
	DefaultGreeting = httpapi.DefaultGreeting
	// DefaultClientTimeout bounds each HTTP exchange with the cloud SDK clients.
	DefaultClientTimeout = 30 * time.Second
	// DefaultDBMinConns is the minimum number of pooled database connections.
	DefaultDBMinConns = database.DefaultMinConns
	// DefaultDBMaxConns is the maximum number of pooled database connections.
	DefaultDBMaxConns = database.DefaultMaxConns
	// DefaultDBProbeTimeout bounds the start-up liveness probe.
	DefaultDBProbeTimeout = database.DefaultProbeTimeout
	// DefaultDBAcquireTimeout bounds how long an invocation waits for a pooled connection.
	DefaultDBAcquireTimeout = database.DefaultAcquireTimeout
	// DefaultVaultMount is the KV v2 mount read when the secret source is vault.
	DefaultVaultMount = hcvault.DefaultMount
	// DefaultVaultField names the KV field holding the base64 bundle.
	DefaultVaultField = hcvault.DefaultField
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the process-level settings. Identity and target values are
// not part of Config; they come from the environment snapshot handed to
// Initialize.
type Config struct {
	// Listen is the bind address, or the socket path when ListenProto is unix.
	Listen string
	// ListenProto selects the listener type ("tcp" or "unix").
	ListenProto string
	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// EnableHTTPTracing wraps routes with otelhttp server spans.
	EnableHTTPTracing bool
	// EnableRuntimeMetrics adds Go runtime metrics to the metrics endpoint.
	EnableRuntimeMetrics bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration

	// Store is the backend DSN (oci://, aws://, s3://, azure://, disk://, mem://).
	Store string
	// ClientTimeout bounds each HTTP exchange with the cloud SDK clients.
	ClientTimeout time.Duration
	// ObjectPrefix prefixes every object name.
	ObjectPrefix string
	// Greeting opens every object payload.
	Greeting string
	// RequireTarget makes OCI_NAMESPACE and TARGET_BUCKET_NAME fatal at start-up.
	RequireTarget bool

	// SecretSource selects where the database bundle is read from (oci, vault, env).
	SecretSource string
	// SecretsEndpoint overrides the regional OCI Secrets endpoint.
	SecretsEndpoint string
	// VaultAddr is the HashiCorp Vault address; empty falls back to VAULT_ADDR.
	VaultAddr string
	// VaultToken authenticates to Vault; empty falls back to VAULT_TOKEN.
	VaultToken string
	// VaultNamespace selects a Vault Enterprise namespace.
	VaultNamespace string
	// VaultMount is the KV v2 mount path.
	VaultMount string
	// VaultField names the KV field holding the base64 bundle.
	VaultField string

	// DBMinConns is the minimum number of pooled database connections.
	DBMinConns int32
	// DBMaxConns is the maximum number of pooled database connections, at
	// most DefaultDBMaxConns.
	DBMaxConns int32
	// DBProbeTimeout bounds the start-up liveness probe.
	DBProbeTimeout time.Duration
	// DBAcquireTimeout bounds how long an invocation waits for a connection.
	DBAcquireTimeout time.Duration

	// AWSRegion sets the region for aws:// stores.
	AWSRegion string
	// S3AccessKeyID sets a static S3 access key.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static S3 secret.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for temporary credentials.
	S3SessionToken string
	// S3SSE selects server-side encryption for S3 writes (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID is the KMS key used with aws:kms.
	S3KMSKeyID string

	// AzureAccount is the Azure storage account name.
	AzureAccount string
	// AzureAccountKey is the shared-key credential for Azure Blob.
	AzureAccountKey string
	// AzureEndpoint overrides the Azure Blob endpoint URL.
	AzureEndpoint string
	// AzureSASToken configures SAS-token auth for Azure Blob.
	AzureSASToken string
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
	case "unix":
		if c.Listen == "" {
			c.Listen = DefaultFDKSocket
		}
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "oci", "aws", "s3", "azure", "disk", "mem", "memory":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if strings.TrimSpace(c.ObjectPrefix) == "" {
		c.ObjectPrefix = DefaultObjectPrefix
	}
	if strings.ContainsAny(c.ObjectPrefix, "/\\") {
		return fmt.Errorf("config: object prefix must not contain path separators")
	}
	if strings.TrimSpace(c.Greeting) == "" {
		c.Greeting = DefaultGreeting
	}

	c.SecretSource = strings.ToLower(strings.TrimSpace(c.SecretSource))
	if c.SecretSource == "" {
		c.SecretSource = DefaultSecretSource
	}
	switch c.SecretSource {
	case SecretSourceOCI, SecretSourceVault, SecretSourceEnv:
	default:
		return fmt.Errorf("config: secret source must be %q, %q or %q", SecretSourceOCI, SecretSourceVault, SecretSourceEnv)
	}
	if c.VaultMount == "" {
		c.VaultMount = DefaultVaultMount
	}
	if c.VaultField == "" {
		c.VaultField = DefaultVaultField
	}

	if c.DBMinConns <= 0 {
		c.DBMinConns = DefaultDBMinConns
	}
	if c.DBMaxConns <= 0 {
		c.DBMaxConns = DefaultDBMaxConns
	}
	if c.DBMaxConns > DefaultDBMaxConns {
		return fmt.Errorf("config: db max conns (%d) must be <= %d", c.DBMaxConns, DefaultDBMaxConns)
	}
	if c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("config: db max conns (%d) must be >= db min conns (%d)", c.DBMaxConns, c.DBMinConns)
	}
	if c.DBProbeTimeout <= 0 {
		c.DBProbeTimeout = DefaultDBProbeTimeout
	}
	if c.DBAcquireTimeout <= 0 {
		c.DBAcquireTimeout = DefaultDBAcquireTimeout
	}

	c.S3SSE = strings.TrimSpace(c.S3SSE)
	switch strings.ToLower(c.S3SSE) {
	case "", "aes256", "aws:kms":
	default:
		return fmt.Errorf("config: s3 sse must be AES256 or aws:kms")
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	if c.OTLPEndpoint != "" {
		if _, err := url.Parse(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: parse otlp endpoint: %w", err)
		}
	}
	return nil
}

// databaseConfig projects the pool settings.
func (c Config) databaseConfig() database.Config {
	return database.Config{
		MinConns:       c.DBMinConns,
		MaxConns:       c.DBMaxConns,
		ProbeTimeout:   c.DBProbeTimeout,
		AcquireTimeout: c.DBAcquireTimeout,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HELLOFN_CONFIG_DIR, else $HOME/.hellofn).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HELLOFN_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hellofn"), nil
}
