package hellofn

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oracle/oci-go-sdk/v65/common"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/storage"
	awsstore "pkt.systems/hellofn/internal/storage/aws"
	azurestore "pkt.systems/hellofn/internal/storage/azure"
	"pkt.systems/hellofn/internal/storage/disk"
	"pkt.systems/hellofn/internal/storage/memory"
	ocistore "pkt.systems/hellofn/internal/storage/oci"
	"pkt.systems/hellofn/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openBackend builds the storage backend named by cfg.Store. The namespace and
// bucket are not part of the store URL; they come from the invocation target.
func openBackend(cfg Config, env envconfig.Environment, provider common.ConfigurationProvider) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "oci", "":
		ocicfg, err := BuildOCIConfig(cfg)
		if err != nil {
			return nil, err
		}
		ocicfg.Provider = provider
		return ocistore.New(ocicfg)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg, env)
		if err != nil {
			return nil, err
		}
		return awsstore.New(awscfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg, env)
		if err != nil {
			return nil, err
		}
		return s3.New(s3cfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg, env)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "memory", "mem":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildOCIConfig parses oci:// URLs. The optional host overrides the regional
// Object Storage endpoint (oci://objectstorage.eu-frankfurt-1.oraclecloud.com).
func BuildOCIConfig(cfg Config) (ocistore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return ocistore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "oci" && u.Scheme != "" {
		return ocistore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	var endpoint string
	if host := strings.TrimSpace(u.Host); host != "" {
		scheme := "https"
		if queryBool(u.Query(), "insecure") {
			scheme = "http"
		}
		endpoint = scheme + "://" + host
	}
	return ocistore.Config{
		Endpoint: endpoint,
		Timeout:  cfg.ClientTimeout,
	}, nil
}

// BuildAWSConfig parses aws://[prefix] URLs that target AWS S3 with the AWS SDK.
func BuildAWSConfig(cfg Config, env envconfig.Environment) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	prefix := strings.Trim(u.Host+u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv(env, "AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or HELLOFN_AWS_REGION)")
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:        strings.TrimSpace(query.Get("endpoint")),
		Region:          region,
		Prefix:          prefix,
		Insecure:        queryBool(query, "insecure"),
		ForcePathStyle:  queryBool(query, "path-style"),
		ServerSideEnc:   cfg.S3SSE,
		KMSKeyID:        kmsKey,
		AccessKeyID:     strings.TrimSpace(cfg.S3AccessKeyID),
		SecretAccessKey: cfg.S3SecretAccessKey,
	}, nil
}

// BuildGenericS3Config parses s3://host[:port][/prefix] URLs that target
// S3-compatible services (MinIO, the OCI S3 compatibility API).
func BuildGenericS3Config(cfg Config, env envconfig.Environment) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port][/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if queryBool(query, "insecure") {
		secure = false
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg, env)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       !secure,
		ForcePathStyle: queryBool(query, "path-style"),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

func resolveGenericS3Credentials(cfg Config, env envconfig.Environment) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = env.Value("AWS_ACCESS_KEY_ID")
		secretKey = env.Value("AWS_SECRET_ACCESS_KEY")
		sessionToken = env.Value("AWS_SESSION_TOKEN")
		source = "env:AWS_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Leave credentials to the minio provider chain.
		summary.Source = "auto"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAzureConfig parses azure://account[/prefix] URLs. Containers are named
// by the invocation bucket.
func BuildAzureConfig(cfg Config, env envconfig.Environment) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv(env, "AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account or AZURE_STORAGE_ACCOUNT)")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv(env, "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv(env, "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:          account,
		AccountKey:       accountKey,
		Endpoint:         endpoint,
		SASToken:         sas,
		Prefix:           strings.Trim(u.Path, "/"),
		CreateContainers: queryBool(query, "create-containers"),
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/hellofn)")
	}
	return disk.Config{
		Root:           filepath.Clean(pathPart),
		RequireBuckets: queryBool(u.Query(), "require-buckets"),
	}, nil
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(env envconfig.Environment, names ...string) string {
	for _, name := range names {
		if val := env.Value(name); val != "" {
			return val
		}
	}
	return ""
}
