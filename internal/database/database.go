// Package database owns the PostgreSQL connection pool and the liveness
// queries hellofn runs against it.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"pkt.systems/hellofn/internal/fault"
	"pkt.systems/hellofn/internal/secrets"
	"pkt.systems/hellofn/internal/svcfields"
)

// Pool defaults.
const (
	DefaultMinConns       int32 = 1
	DefaultMaxConns       int32 = 5
	DefaultProbeTimeout         = 10 * time.Second
	DefaultAcquireTimeout       = 5 * time.Second
	// NoVersion is reported when the version query returns no row.
	NoVersion = "N/A"
)

var versionQuery = "SELECT version()"

// Config tunes the pool. Zero values take the defaults above; MaxConns is
// capped at DefaultMaxConns.
type Config struct {
	MinConns       int32
	MaxConns       int32
	ProbeTimeout   time.Duration
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinConns <= 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MinConns > DefaultMaxConns {
		c.MinConns = DefaultMaxConns
	}
	if c.MaxConns <= 0 || c.MaxConns > DefaultMaxConns {
		c.MaxConns = DefaultMaxConns
	}
	if c.MaxConns < c.MinConns {
		c.MaxConns = c.MinConns
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	return c
}

// PoolConfig translates bundle and cfg into a pgxpool configuration.
func PoolConfig(bundle secrets.Bundle, cfg Config) (*pgxpool.Config, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	poolCfg, err := pgxpool.ParseConfig(bundle.ConnString())
	if err != nil {
		return nil, fmt.Errorf("database: parse connection config for %s: %w", bundle.Redacted(), err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ProbeTimeout
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "hellofn"
	return poolCfg, nil
}

// Pool wraps a pgx pool shared by every invocation.
type Pool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	target         string
	logger         pslog.Logger
}

// Open builds the pool and verifies it with SELECT 1. The pool is closed when
// the probe fails.
func Open(ctx context.Context, bundle secrets.Bundle, cfg Config, logger pslog.Logger) (*Pool, error) {
	logger = svcfields.Ensure(logger)
	cfg = cfg.withDefaults()
	poolCfg, err := PoolConfig(bundle, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "database.open", err)
	}
	logger.Info("database.pool.init", "database", bundle.Redacted(), "min_conns", cfg.MinConns, "max_conns", cfg.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classify("database.open", fmt.Errorf("database: create pool: %w", err))
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	var one int
	if err := pool.QueryRow(probeCtx, "SELECT 1").Scan(&one); err != nil {
		pool.Close()
		return nil, classify("database.probe", fmt.Errorf("database: liveness probe: %w", err))
	}
	logger.Info("database.pool.ready", "database", bundle.Redacted())
	return &Pool{pool: pool, acquireTimeout: cfg.AcquireTimeout, target: bundle.Redacted(), logger: logger}, nil
}

// Version returns the server version string. The connection is released on
// every path.
func (p *Pool) Version(ctx context.Context) (string, error) {
	if p == nil || p.pool == nil {
		return "", fault.New(fault.KindDependencyUnavailable, "database.version", "Service Unavailable: database pool not initialized.")
	}
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	conn, err := p.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("database: no connection available within %s: %w", p.acquireTimeout, err)
		} else {
			err = fmt.Errorf("database: acquire connection: %w", err)
		}
		return "", classify("database.acquire", err)
	}
	defer conn.Release()
	var version string
	if err := conn.QueryRow(ctx, versionQuery).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NoVersion, nil
		}
		return "", classify("database.version", fmt.Errorf("database: query version: %w", err))
	}
	if version == "" {
		return NoVersion, nil
	}
	return version, nil
}

// Stats summarises pool usage.
type Stats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
}

// Stat reports current pool usage.
func (p *Pool) Stat() Stats {
	if p == nil || p.pool == nil {
		return Stats{}
	}
	s := p.pool.Stat()
	return Stats{
		Acquired: s.AcquiredConns(),
		Idle:     s.IdleConns(),
		Total:    s.TotalConns(),
		Max:      s.MaxConns(),
	}
}

// Describe names the database for logs.
func (p *Pool) Describe() string {
	if p == nil {
		return "none"
	}
	return p.target
}

// Close releases every connection.
func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
	p.logger.Info("database.pool.closed", "database", p.target)
}

func classify(op string, err error) error {
	detail := fault.UpstreamDetail{Service: "postgres", Message: err.Error()}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		detail.Code = pgErr.Code
		detail.Message = pgErr.Message
	}
	return fault.Upstream(op, detail, err)
}
