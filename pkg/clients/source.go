package clients

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// SourcePool is the pooled connection set for the PostgreSQL source. It is
// used for snapshot reads, batch polling, slot inspection and health checks.
// The replication session uses its own dedicated connection.
type SourcePool struct {
	pool    *pgxpool.Pool
	limiter *limiter
	logger  *zap.Logger
	timeout time.Duration
}

// NewSourcePool connects to PostgreSQL and validates the connection.
func NewSourcePool(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (*SourcePool, error) {
	logger = logger.With(zap.String("component", "source_pool"))

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse postgres connection string")
	}
	poolConfig.MaxConns = int32(cfg.PoolSize)
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = poolConfig.MaxConns / 4
	if poolConfig.MinConns < 1 {
		poolConfig.MinConns = 1
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	if cfg.ConnectionTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgres pool")
	}

	p := &SourcePool{
		pool:    pool,
		limiter: newLimiter("postgres", int(poolConfig.MaxConns), cfg.AcquireTimeout, logger),
		logger:  logger,
		timeout: cfg.QueryTimeout,
	}

	var version string
	if err := p.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, "SHOW server_version").Scan(&version)
	}); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to validate postgres connection")
	}

	logger.Info("connected to postgres",
		zap.String("version", version),
		zap.String("host", cfg.Host),
		zap.Int32("max_connections", poolConfig.MaxConns),
		zap.Int32("min_connections", poolConfig.MinConns))
	return p, nil
}

// WithConn runs fn on a pooled connection, waiting at most the acquire timeout for one.
func (p *SourcePool) WithConn(ctx context.Context, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	release, err := p.limiter.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire postgres connection")
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// QueryTimeout returns the per-statement timeout, zero meaning none.
func (p *SourcePool) QueryTimeout() time.Duration { return p.timeout }

// Ping checks that a connection can be acquired and used.
func (p *SourcePool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// Stats returns pool utilisation.
func (p *SourcePool) Stats() PoolStats {
	s := p.limiter.stats()
	st := p.pool.Stat()
	s.IdleConnections = int64(st.IdleConns())
	return s
}

// Close closes every pooled connection.
func (p *SourcePool) Close() {
	p.pool.Close()
	p.logger.Info("postgres pool closed")
}
