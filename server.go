package hellofn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/envconfig"
	"pkt.systems/hellofn/internal/httpapi"
	"pkt.systems/hellofn/internal/secrets"
	"pkt.systems/hellofn/internal/storage"
	"pkt.systems/hellofn/internal/svcfields"
	"pkt.systems/hellofn/internal/version"
)

// Server wraps the HTTP server and the start-up handles it serves with.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	app          *App
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	instanceID   string
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Fetcher      secrets.Fetcher
	Env          *envconfig.Environment
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithSecretFetcher injects the fetcher used to resolve the database secret.
func WithSecretFetcher(f secrets.Fetcher) Option {
	return func(o *options) {
		o.Fetcher = f
	}
}

// WithEnvironment replaces the process environment snapshot.
func WithEnvironment(env envconfig.Environment) Option {
	return func(o *options) {
		o.Env = &env
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg, runs Initialize and prepares the HTTP server. It
// does not listen; a failed Initialize means no listener is ever opened.
//
//	cfg := hellofn.Config{Listen: ":8080"}
//	srv, err := hellofn.NewServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var env envconfig.Environment
	if o.Env != nil {
		env = *o.Env
	} else {
		env = envconfig.Snapshot(os.Environ())
	}
	instanceID := xid.New().String()
	serverLogger := svcfields.WithSubsystem(logger, "server").With("instance", instanceID)
	serverLogger.Info("function starting",
		"version", version.Current(),
		"store", cfg.Store,
		"secret_source", cfg.SecretSource,
	)

	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableRuntimeMetrics,
		instanceID:     instanceID,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	initOpts := []InitOption{WithInitLogger(logger)}
	if o.Backend != nil {
		initOpts = append(initOpts, WithInitBackend(o.Backend))
	}
	if o.Fetcher != nil {
		initOpts = append(initOpts, WithInitSecretFetcher(o.Fetcher))
	}
	app, err := Initialize(ctx, cfg, env, initOpts...)
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}

	hcfg := httpapi.Config{
		Store:             app.Store,
		DatabaseRequired:  app.DatabaseRequired,
		Namespace:         app.Target.Namespace,
		Bucket:            app.Target.Bucket,
		ObjectPrefix:      cfg.ObjectPrefix,
		Greeting:          cfg.Greeting,
		Logger:            logger,
		EnableHTTPTracing: cfg.EnableHTTPTracing,
	}
	// A nil *database.Pool must stay a nil interface.
	if app.DB != nil {
		hcfg.DB = app.DB
	}
	handler := httpapi.New(hcfg)
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}

	return &Server{
		cfg:        cfg,
		logger:     serverLogger,
		app:        app,
		handler:    handler,
		httpSrv:    httpSrv,
		telemetry:  telemetry,
		instanceID: instanceID,
		readyCh:    make(chan struct{}),
	}, nil
}

// errorLogWriter forwards net/http server errors to the structured logger.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the HTTP handler serving /call and the probes.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// App returns the start-up handles the server was built with.
func (s *Server) App() *App {
	return s.app
}

// InstanceID returns the per-process identifier logged at start-up.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Start listens and serves until Shutdown. A stale unix socket is removed
// before listening.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"database", s.app.DB != nil,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains in-flight invocations, closes the pool and the backend and
// flushes telemetry. Errors from each step are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("function shutting down")
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	socketPath := s.socketPath
	s.mu.Unlock()
	if err := s.app.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close app: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("function stopped")
	return nil
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is open or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, or nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer builds and starts a server, returning once it listens. The
// returned stop function shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server exited before listening")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
