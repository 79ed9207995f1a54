package hellofn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oracle/oci-go-sdk/v65/common"
	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/database"
	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/invocation"
	"pkt.systems/hellofn/internal/pemkey"
	"pkt.systems/hellofn/internal/secrets"
	"pkt.systems/hellofn/internal/storage"
	loggingbackend "pkt.systems/hellofn/internal/storage/logging"
	"pkt.systems/hellofn/internal/svcfields"
)

var (
	fingerprintRE = regexp.MustCompile(`^[0-9a-fA-F]{2}(:[0-9a-fA-F]{2}){15}$`)

	userOCIDPrefix    = "ocid1.user."
	tenancyOCIDPrefix = "ocid1.tenancy."
)

// App holds the handles built once at start-up. It is read-only after
// Initialize returns and shared by every invocation.
type App struct {
	Target storage.Target
	Store  storage.Backend
	// DB is nil when DB_SECRET_OCID is unset.
	DB *database.Pool
	// DatabaseRequired is set when DB_SECRET_OCID is configured.
	DatabaseRequired bool

	logger pslog.Logger
}

// InitOption customises Initialize.
type InitOption func(*initOptions)

type initOptions struct {
	logger  pslog.Logger
	backend storage.Backend
	fetcher secrets.Fetcher
}

// WithInitLogger sets the logger used during start-up and kept by the App.
func WithInitLogger(l pslog.Logger) InitOption {
	return func(o *initOptions) { o.logger = l }
}

// WithInitBackend supplies a pre-built storage backend; the store URL is then ignored.
func WithInitBackend(b storage.Backend) InitOption {
	return func(o *initOptions) { o.backend = b }
}

// WithInitSecretFetcher supplies the fetcher used to read the database bundle.
func WithInitSecretFetcher(f secrets.Fetcher) InitOption {
	return func(o *initOptions) { o.fetcher = f }
}

// Initialize runs the start-up sequence: extract configuration, materialise
// the signing key, build the identity and the storage client, and when a
// database secret is configured resolve it and open the pool. Any failure is
// fatal; partially built handles are closed before returning.
func Initialize(ctx context.Context, cfg Config, env envconfig.Environment, opts ...InitOption) (*App, error) {
	var o initOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	base := svcfields.Ensure(o.logger)
	logger := svcfields.WithInvocation(svcfields.WithSubsystem(base, "init"), invocation.StartupID)

	app, err := initialize(ctx, cfg, env, o, base, logger)
	if err != nil {
		logger.Error("init.fatal",
			"error", err,
			"kind", fault.KindOf(err).String(),
			"missing", envconfig.MissingKeys(err),
		)
		return nil, err
	}
	return app, nil
}

func initialize(ctx context.Context, cfg Config, env envconfig.Environment, o initOptions, base, logger pslog.Logger) (app *App, err error) {
	var extractOpts []envconfig.Option
	if cfg.RequireTarget {
		extractOpts = append(extractOpts, envconfig.RequireTarget())
	}
	resolved, err := envconfig.Extract(env, extractOpts...)
	if err != nil {
		return nil, err
	}
	logger.Info("init.config.extracted", "keys", resolved.Keys(), "region", resolved.Region)

	material, err := pemkey.Acquire(resolved.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer material.Release()
	if !strings.EqualFold(material.Fingerprint(), resolved.Fingerprint) {
		logger.Warn("init.key.fingerprint_mismatch",
			"configured", resolved.Fingerprint,
			"computed", material.Fingerprint(),
		)
	}

	provider, err := newProvider(resolved, material)
	if err != nil {
		return nil, err
	}
	logger.Info("init.identity.valid", "tenancy", resolved.TenancyOCID, "user", resolved.UserOCID)

	app = &App{
		Target: storage.Target{Namespace: resolved.Namespace, Bucket: resolved.Bucket},
		logger: base,
	}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	backend := o.backend
	if backend == nil {
		backend, err = openBackend(cfg, env, provider)
		if err != nil {
			return app, fault.Wrap(fault.KindConfiguration, "init.storage", err)
		}
	}
	app.Store = loggingbackend.Wrap(backend, svcfields.WithSubsystem(base, "storage"), "storage")
	logger.Info("init.storage.ready", "backend", storage.Describe(backend))

	if !resolved.DatabaseEnabled() {
		logger.Info("init.database.skipped", "reason", envconfig.KeyDBSecretOCID+" unset")
		return app, nil
	}
	app.DatabaseRequired = true

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher, err = openSecretFetcher(cfg, env, provider)
		if err != nil {
			return app, fault.Wrap(fault.KindConfiguration, "init.secrets", err)
		}
	}
	bundle, err := secrets.Resolve(ctx, fetcher, resolved.DBSecretOCID, svcfields.WithSubsystem(logger, "secrets"))
	if err != nil {
		return app, err
	}
	pool, err := database.Open(ctx, bundle, cfg.databaseConfig(), svcfields.WithSubsystem(base, "database"))
	if err != nil {
		return app, err
	}
	app.DB = pool
	logger.Info("init.database.ready", "database", bundle.Redacted())
	return app, nil
}

// newProvider assembles the OCI signing identity and checks it before any
// client uses it.
func newProvider(resolved envconfig.Resolved, material *pemkey.Material) (common.ConfigurationProvider, error) {
	var problems []string
	if !strings.HasPrefix(resolved.UserOCID, userOCIDPrefix) {
		problems = append(problems, envconfig.KeyUserOCID+" is not a user OCID")
	}
	if !strings.HasPrefix(resolved.TenancyOCID, tenancyOCIDPrefix) {
		problems = append(problems, envconfig.KeyTenancyOCID+" is not a tenancy OCID")
	}
	if !fingerprintRE.MatchString(resolved.Fingerprint) {
		problems = append(problems, envconfig.KeyFingerprint+" is not 16 colon-separated hex pairs")
	}
	if len(problems) > 0 {
		return nil, fault.Wrap(fault.KindConfiguration, "init.identity",
			fmt.Errorf("oci: invalid identity: %s", strings.Join(problems, "; ")))
	}
	pem, err := material.PEM()
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidKeyMaterial, "init.identity", err)
	}
	provider := common.NewRawConfigurationProvider(
		resolved.TenancyOCID,
		resolved.UserOCID,
		resolved.Region,
		resolved.Fingerprint,
		pem,
		nil,
	)
	ok, err := common.IsConfigurationProviderValid(provider)
	if err == nil && !ok {
		err = errors.New("provider reported invalid")
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "init.identity", fmt.Errorf("oci: invalid identity: %w", err))
	}
	return provider, nil
}

// Close releases the pool and the storage backend. It is safe on a nil App
// and on a partially initialised one.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
