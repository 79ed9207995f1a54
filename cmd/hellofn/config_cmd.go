package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/hellofn"
	"pkt.systems/hellofn/internal/envconfig"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage hellofn configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand(v))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.hellofn/" + hellofn.DefaultConfigFileName
	if dir, err := hellofn.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, hellofn.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default hellofn configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := hellofn.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, hellofn.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			var cfg hellofn.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}
			view := effectiveConfig{
				Settings:    settingsFromConfig(cfg),
				Environment: redactEnvironment(envconfig.Snapshot(os.Environ())),
			}
			data, err := yaml.Marshal(view)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// configFile mirrors the flag names accepted in the YAML config file.
type configFile struct {
	Listen               string `yaml:"listen"`
	ListenProto          string `yaml:"listen-proto"`
	MetricsListen        string `yaml:"metrics-listen"`
	PprofListen          string `yaml:"pprof-listen"`
	EnableRuntimeMetrics bool   `yaml:"enable-runtime-metrics"`
	EnableHTTPTracing    bool   `yaml:"enable-http-tracing"`
	OTLPEndpoint         string `yaml:"otlp-endpoint"`
	ShutdownTimeout      string `yaml:"shutdown-timeout"`
	Store                string `yaml:"store"`
	ClientTimeout        string `yaml:"client-timeout"`
	ObjectPrefix         string `yaml:"object-prefix"`
	Greeting             string `yaml:"greeting"`
	RequireTarget        bool   `yaml:"require-target"`
	SecretSource         string `yaml:"secret-source"`
	SecretsEndpoint      string `yaml:"secrets-endpoint"`
	VaultAddr            string `yaml:"vault-addr"`
	VaultToken           string `yaml:"vault-token"`
	VaultNamespace       string `yaml:"vault-namespace"`
	VaultMount           string `yaml:"vault-mount"`
	VaultField           string `yaml:"vault-field"`
	DBMinConns           int32  `yaml:"db-min-conns"`
	DBMaxConns           int32  `yaml:"db-max-conns"`
	DBProbeTimeout       string `yaml:"db-probe-timeout"`
	DBAcquireTimeout     string `yaml:"db-acquire-timeout"`
	AWSRegion            string `yaml:"aws-region"`
	S3AccessKeyID        string `yaml:"s3-access-key-id"`
	S3SecretAccessKey    string `yaml:"s3-secret-access-key"`
	S3SessionToken       string `yaml:"s3-session-token"`
	S3SSE                string `yaml:"s3-sse"`
	S3KMSKeyID           string `yaml:"s3-kms-key-id"`
	AzureAccount         string `yaml:"azure-account"`
	AzureKey             string `yaml:"azure-key"`
	AzureEndpoint        string `yaml:"azure-endpoint"`
	AzureSASToken        string `yaml:"azure-sas-token"`
	LogLevel             string `yaml:"log-level,omitempty"`
}

type effectiveConfig struct {
	Settings    configFile        `yaml:"settings"`
	Environment map[string]string `yaml:"environment"`
}

func defaultConfigYAML() ([]byte, error) {
	var cfg hellofn.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	defaults := settingsFromConfig(cfg)
	// Empty listen picks the per-protocol default.
	defaults.Listen = ""
	defaults.LogLevel = "info"
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := "# hellofn configuration. Identity (OCI_*) and target (TARGET_BUCKET_NAME,\n" +
		"# DB_SECRET_OCID) are read from the environment, never from this file.\n"
	return append([]byte(header), data...), nil
}

func settingsFromConfig(cfg hellofn.Config) configFile {
	return configFile{
		Listen:               cfg.Listen,
		ListenProto:          cfg.ListenProto,
		MetricsListen:        cfg.MetricsListen,
		PprofListen:          cfg.PprofListen,
		EnableRuntimeMetrics: cfg.EnableRuntimeMetrics,
		EnableHTTPTracing:    cfg.EnableHTTPTracing,
		OTLPEndpoint:         cfg.OTLPEndpoint,
		ShutdownTimeout:      cfg.ShutdownTimeout.String(),
		Store:                cfg.Store,
		ClientTimeout:        cfg.ClientTimeout.String(),
		ObjectPrefix:         cfg.ObjectPrefix,
		Greeting:             cfg.Greeting,
		RequireTarget:        cfg.RequireTarget,
		SecretSource:         cfg.SecretSource,
		SecretsEndpoint:      cfg.SecretsEndpoint,
		VaultAddr:            cfg.VaultAddr,
		VaultToken:           redactSecret(cfg.VaultToken),
		VaultNamespace:       cfg.VaultNamespace,
		VaultMount:           cfg.VaultMount,
		VaultField:           cfg.VaultField,
		DBMinConns:           cfg.DBMinConns,
		DBMaxConns:           cfg.DBMaxConns,
		DBProbeTimeout:       cfg.DBProbeTimeout.String(),
		DBAcquireTimeout:     cfg.DBAcquireTimeout.String(),
		AWSRegion:            cfg.AWSRegion,
		S3AccessKeyID:        cfg.S3AccessKeyID,
		S3SecretAccessKey:    redactSecret(cfg.S3SecretAccessKey),
		S3SessionToken:       redactSecret(cfg.S3SessionToken),
		S3SSE:                cfg.S3SSE,
		S3KMSKeyID:           cfg.S3KMSKeyID,
		AzureAccount:         cfg.AzureAccount,
		AzureKey:             redactSecret(cfg.AzureAccountKey),
		AzureEndpoint:        cfg.AzureEndpoint,
		AzureSASToken:        redactSecret(cfg.AzureSASToken),
	}
}

// redactEnvironment reports every identity and target key. Identity values
// are replaced by a marker; target values are printed as-is.
func redactEnvironment(env envconfig.Environment) map[string]string {
	out := make(map[string]string, len(envconfig.IdentityKeys)+len(envconfig.TargetKeys)+1)
	for _, key := range envconfig.IdentityKeys {
		value := env.Value(key)
		switch {
		case value == "":
			out[key] = "<unset>"
		case key == envconfig.KeyRegion:
			out[key] = value
		default:
			out[key] = fmt.Sprintf("<redacted %d bytes>", len(value))
		}
	}
	for _, key := range append(append([]string{}, envconfig.TargetKeys...), envconfig.KeyDBSecretOCID) {
		value := env.Value(key)
		if value == "" {
			value = "<unset>"
		}
		out[key] = value
	}
	return out
}

func redactSecret(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "<redacted>"
}
