package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/hellofn"
	"pkt.systems/hellofn/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HELLOFN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hellofn")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// loadConfigFile reads --config (or the default config file when present) into v.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := hellofn.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, hellofn.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "hellofn",
		Short:         "hellofn writes a greeting object to object storage on every invocation",
		SilenceErrors: true,
		Long: `hellofn is a serverless function. At start-up it reads its OCI identity from
the environment, rebuilds the API signing key, opens the object storage client
and, when DB_SECRET_OCID is set, resolves the database secret and opens a
connection pool. Each POST /call then writes one object named after the
invocation id.

Identity and target are read from the environment only:
  OCI_USER_OCID, OCI_FINGERPRINT, OCI_TENANCY_OCID, OCI_REGION,
  OCI_PRIVATE_KEY_CONTENT, OCI_NAMESPACE, TARGET_BUCKET_NAME, DB_SECRET_OCID

Every flag may also be provided via HELLOFN_<FLAG> environment variables
or a YAML config file (see "hellofn config gen").`,
		Example: `  # Behind the Fn FDK
  hellofn --listen-proto unix

  # Local run against an in-memory store
  hellofn --store mem:// --listen 127.0.0.1:8080

  # MinIO with static credentials
  HELLOFN_S3_ACCESS_KEY_ID=minio HELLOFN_S3_SECRET_ACCESS_KEY=minio123 \
    hellofn --store "s3://localhost:9000?insecure=1"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "function.lifecycle.init").WithLogLevel().Info(
				"welcome to hellofn",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg hellofn.Config
			if err := bindConfig(v, &cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(v.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			} else {
				cliLogger.Warn("unknown log level, keeping default", "log_level", logLevel)
			}

			server, err := hellofn.NewServer(ctx, cfg, hellofn.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = hellofn.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.hellofn/"+hellofn.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", "", "listen address, or socket path with --listen-proto unix (default "+hellofn.DefaultListen+", unix "+hellofn.DefaultFDKSocket+")")
	flags.String("listen-proto", hellofn.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint address (empty disables)")
	flags.String("pprof-listen", "", "pprof endpoint address (empty disables)")
	flags.Bool("enable-runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.Bool("enable-http-tracing", false, "wrap routes with OpenTelemetry server spans")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", hellofn.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("store", hellofn.DefaultStore, "object store URL (oci://, aws://, s3://host[:port], azure://account, disk:///path, mem://)")
	flags.Duration("client-timeout", hellofn.DefaultClientTimeout, "timeout for each cloud SDK HTTP exchange")
	flags.String("object-prefix", hellofn.DefaultObjectPrefix, "object name prefix")
	flags.String("greeting", hellofn.DefaultGreeting, "greeting that opens every object payload")
	flags.Bool("require-target", false, "fail start-up when OCI_NAMESPACE or TARGET_BUCKET_NAME is missing")
	flags.String("secret-source", hellofn.DefaultSecretSource, "where DB_SECRET_OCID is resolved (oci, vault, env)")
	flags.String("secrets-endpoint", "", "override the OCI Secrets endpoint")
	flags.String("vault-addr", "", "HashiCorp Vault address (falls back to VAULT_ADDR)")
	flags.String("vault-token", "", "HashiCorp Vault token (falls back to VAULT_TOKEN)")
	flags.String("vault-namespace", "", "HashiCorp Vault namespace (falls back to VAULT_NAMESPACE)")
	flags.String("vault-mount", hellofn.DefaultVaultMount, "HashiCorp Vault KV v2 mount")
	flags.String("vault-field", hellofn.DefaultVaultField, "KV field holding the base64 database bundle")
	flags.Int32("db-min-conns", hellofn.DefaultDBMinConns, "minimum pooled database connections (at most db-max-conns)")
	flags.Int32("db-max-conns", hellofn.DefaultDBMaxConns, "maximum pooled database connections (1-5)")
	flags.Duration("db-probe-timeout", hellofn.DefaultDBProbeTimeout, "start-up database probe timeout")
	flags.Duration("db-acquire-timeout", hellofn.DefaultDBAcquireTimeout, "per-invocation wait for a pooled connection")
	flags.String("aws-region", "", "region for aws:// stores (falls back to AWS_REGION)")
	flags.String("s3-access-key-id", "", "static access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for temporary s3:// credentials")
	flags.String("s3-sse", "", "server-side encryption for S3 writes (AES256, aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key id used with --s3-sse aws:kms")
	flags.String("azure-account", "", "Azure storage account (overrides the store URL host)")
	flags.String("azure-key", "", "Azure storage account key")
	flags.String("azure-endpoint", "", "Azure Blob endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix("HELLOFN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) { bindFlag(f.Name) })
	bindFlag("config")

	cmd.AddCommand(newConfigCommand(v))
	cmd.AddCommand(newPEMCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper, cfg *hellofn.Config) error {
	cfg.Listen = v.GetString("listen")
	cfg.ListenProto = v.GetString("listen-proto")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableRuntimeMetrics = v.GetBool("enable-runtime-metrics")
	cfg.EnableHTTPTracing = v.GetBool("enable-http-tracing")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.Store = v.GetString("store")
	cfg.ClientTimeout = v.GetDuration("client-timeout")
	cfg.ObjectPrefix = v.GetString("object-prefix")
	cfg.Greeting = v.GetString("greeting")
	cfg.RequireTarget = v.GetBool("require-target")
	cfg.SecretSource = v.GetString("secret-source")
	cfg.SecretsEndpoint = v.GetString("secrets-endpoint")
	cfg.VaultAddr = v.GetString("vault-addr")
	cfg.VaultToken = v.GetString("vault-token")
	cfg.VaultNamespace = v.GetString("vault-namespace")
	cfg.VaultMount = v.GetString("vault-mount")
	cfg.VaultField = v.GetString("vault-field")
	cfg.DBMinConns = v.GetInt32("db-min-conns")
	cfg.DBMaxConns = v.GetInt32("db-max-conns")
	cfg.DBProbeTimeout = v.GetDuration("db-probe-timeout")
	cfg.DBAcquireTimeout = v.GetDuration("db-acquire-timeout")
	cfg.AWSRegion = v.GetString("aws-region")
	cfg.S3AccessKeyID = v.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.S3SessionToken = v.GetString("s3-session-token")
	cfg.S3SSE = v.GetString("s3-sse")
	cfg.S3KMSKeyID = v.GetString("s3-kms-key-id")
	cfg.AzureAccount = v.GetString("azure-account")
	cfg.AzureAccountKey = v.GetString("azure-key")
	cfg.AzureEndpoint = v.GetString("azure-endpoint")
	cfg.AzureSASToken = v.GetString("azure-sas-token")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
