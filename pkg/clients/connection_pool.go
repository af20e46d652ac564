// Package clients provides the database connection pools used by starsync:
// a pgx pool for the PostgreSQL source and a database/sql pool for the
// StarRocks frontend. Both cap concurrent use with a weighted semaphore so
// callers wait at most AcquireTimeout for a connection.
package clients

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// PoolStats provides statistics about a pool's utilisation.
type PoolStats struct {
	Name              string        `json:"name"`
	MaxConnections    int64         `json:"max_connections"`
	ActiveConnections int64         `json:"active_connections"`
	IdleConnections   int64         `json:"idle_connections"`
	TotalAcquired     int64         `json:"total_acquired"`
	AcquireTimeouts   int64         `json:"acquire_timeouts"`
	AverageWait       time.Duration `json:"average_wait"`
}

// limiter bounds concurrent acquisitions and tracks wait statistics.
type limiter struct {
	name    string
	max     int64
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *zap.Logger

	active   int64
	acquired int64
	timeouts int64
	waitNS   int64
}

func newLimiter(name string, max int, timeout time.Duration, logger *zap.Logger) *limiter {
	if max <= 0 {
		max = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &limiter{
		name:    name,
		max:     int64(max),
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(max)),
		logger:  logger,
	}
}

// acquire waits for a slot, returning a release func.
func (l *limiter) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atomic.AddInt64(&l.timeouts, 1)
		l.logger.Warn("connection acquire timed out",
			zap.String("pool", l.name),
			zap.Duration("timeout", l.timeout),
			zap.Int64("active", atomic.LoadInt64(&l.active)))
		return nil, errors.Newf(errors.ErrorTypeTimeout, "%s pool: no connection available within %s", l.name, l.timeout)
	}

	atomic.AddInt64(&l.waitNS, int64(time.Since(start)))
	atomic.AddInt64(&l.acquired, 1)
	atomic.AddInt64(&l.active, 1)

	var released int32
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			atomic.AddInt64(&l.active, -1)
			l.sem.Release(1)
		}
	}, nil
}

func (l *limiter) stats() PoolStats {
	s := PoolStats{
		Name:              l.name,
		MaxConnections:    l.max,
		ActiveConnections: atomic.LoadInt64(&l.active),
		TotalAcquired:     atomic.LoadInt64(&l.acquired),
		AcquireTimeouts:   atomic.LoadInt64(&l.timeouts),
	}
	if s.TotalAcquired > 0 {
		s.AverageWait = time.Duration(atomic.LoadInt64(&l.waitNS) / s.TotalAcquired)
	}
	return s
}
