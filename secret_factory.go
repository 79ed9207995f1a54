package hellofn

import (
	"fmt"

	"github.com/oracle/oci-go-sdk/v65/common"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/secrets"
	"pkt.systems/hellofn/internal/secrets/hcvault"
	"pkt.systems/hellofn/internal/secrets/ocivault"
)

// openSecretFetcher builds the fetcher selected by cfg.SecretSource.
func openSecretFetcher(cfg Config, env envconfig.Environment, provider common.ConfigurationProvider) (secrets.Fetcher, error) {
	switch cfg.SecretSource {
	case SecretSourceOCI, "":
		return ocivault.New(ocivault.Config{
			Provider: provider,
			Endpoint: cfg.SecretsEndpoint,
			Timeout:  cfg.ClientTimeout,
		})
	case SecretSourceVault:
		return hcvault.New(hcvault.Config{
			Address:   firstNonEmpty(cfg.VaultAddr, env.Value("VAULT_ADDR")),
			Token:     firstNonEmpty(cfg.VaultToken, env.Value("VAULT_TOKEN")),
			Namespace: firstNonEmpty(cfg.VaultNamespace, env.Value("VAULT_NAMESPACE")),
			Mount:     cfg.VaultMount,
			Field:     cfg.VaultField,
			Timeout:   cfg.ClientTimeout,
		})
	case SecretSourceEnv:
		return secrets.EnvFetcher{Env: env}, nil
	default:
		return nil, fmt.Errorf("secret source %q not supported", cfg.SecretSource)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
