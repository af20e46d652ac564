package clients

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// TargetPool is the pooled MySQL-protocol connection set for the StarRocks frontend.
type TargetPool struct {
	db      *sql.DB
	limiter *limiter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// MySQLConfig builds the driver configuration for a target.
func MySQLConfig(cfg config.TargetConfig) *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Addr()
	mc.DBName = cfg.Database
	mc.Timeout = cfg.ConnectionTimeout
	mc.ReadTimeout = cfg.LoadTimeout
	mc.WriteTimeout = cfg.LoadTimeout
	mc.ParseTime = true
	// StarRocks has limited server-side prepared statement support
	mc.InterpolateParams = true
	return mc
}

// NewTargetPool opens the StarRocks pool and validates the connection.
func NewTargetPool(ctx context.Context, cfg config.TargetConfig, logger *zap.Logger) (*TargetPool, error) {
	logger = logger.With(zap.String("component", "target_pool"))

	connector, err := mysql.NewConnector(MySQLConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid starrocks connection settings")
	}
	db := sql.OpenDB(connector)

	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	p := NewTargetPoolFromDB(db, size, cfg.AcquireTimeout, logger)

	var version string
	if err := p.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, "SELECT current_version()").Scan(&version)
	}); err != nil {
		// plain MySQL servers (used in tests) lack current_version()
		if err2 := p.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
			return conn.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version)
		}); err2 != nil {
			db.Close()
			return nil, errors.Wrap(err2, errors.ErrorTypeConnection, "failed to validate starrocks connection")
		}
	}

	logger.Info("connected to starrocks",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("database", cfg.Database),
		zap.Int("max_connections", size))
	return p, nil
}

// NewTargetPoolFromDB wraps an existing handle, mainly for tests.
func NewTargetPoolFromDB(db *sql.DB, size int, acquireTimeout time.Duration, logger *zap.Logger) *TargetPool {
	return &TargetPool{
		db:      db,
		limiter: newLimiter("starrocks", size, acquireTimeout, logger),
		breaker: NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, Timeout: 10 * time.Second}, logger),
		logger:  logger,
	}
}

// guard runs fn through the circuit breaker. Only failures that look like an
// unreachable target count against it.
func (p *TargetPool) guard(fn func() error) error {
	if !p.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && supervisor.Classify(err) == supervisor.ClassTransient {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return err
}

// WithConn runs fn on a dedicated connection, waiting at most the acquire timeout.
func (p *TargetPool) WithConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	release, err := p.limiter.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return p.guard(func() error {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire starrocks connection")
		}
		defer conn.Close()
		return fn(ctx, conn)
	})
}

// ExecContext executes a statement on a pooled connection.
func (p *TargetPool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	release, err := p.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var res sql.Result
	err = p.guard(func() error {
		var execErr error
		res, execErr = p.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// QueryContext runs a query; the returned rows hold the slot until closed by
// the database/sql pool, so callers must close them promptly.
func (p *TargetPool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	release, err := p.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var rows *sql.Rows
	err = p.guard(func() error {
		var queryErr error
		rows, queryErr = p.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// Ping checks the target is reachable.
func (p *TargetPool) Ping(ctx context.Context) error {
	release, err := p.limiter.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.guard(func() error { return p.db.PingContext(ctx) })
}

// Stats returns pool utilisation.
func (p *TargetPool) Stats() PoolStats {
	s := p.limiter.stats()
	s.IdleConnections = int64(p.db.Stats().Idle)
	return s
}

// Breaker returns the pool's circuit breaker.
func (p *TargetPool) Breaker() *CircuitBreaker { return p.breaker }

// Close closes the pool.
func (p *TargetPool) Close() error {
	p.logger.Info("starrocks pool closed")
	return p.db.Close()
}
