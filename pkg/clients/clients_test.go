package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := newLimiter("test", 2, 20*time.Millisecond, zaptest.NewLogger(t))

	r1, err := l.acquire(context.Background())
	require.NoError(t, err)
	r2, err := l.acquire(context.Background())
	require.NoError(t, err)

	_, err = l.acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	r1()
	r1() // double release is a no-op
	r3, err := l.acquire(context.Background())
	require.NoError(t, err)

	stats := l.stats()
	assert.Equal(t, int64(2), stats.ActiveConnections)
	assert.Equal(t, int64(3), stats.TotalAcquired)
	assert.Equal(t, int64(1), stats.AcquireTimeouts)

	r2()
	r3()
	assert.Equal(t, int64(0), l.stats().ActiveConnections)
}

func TestLimiterRespectsCallerCancel(t *testing.T) {
	l := newLimiter("test", 1, time.Hour, zaptest.NewLogger(t))
	release, err := l.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), l.stats().AcquireTimeouts)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, zaptest.NewLogger(t))
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock = clock.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Equal(t, int64(2), snap.Rejected)
}

func TestCircuitBreakerReopensOnProbeFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}, nil)
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	cb.Allow()
	cb.RecordFailure()
	clock = clock.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Add(time.Second), cb.Snapshot().NextRetryTime)
}

func TestMySQLConfig(t *testing.T) {
	mc := MySQLConfig(config.TargetConfig{
		Host:              "starrocks-fe",
		Port:              9030,
		Database:          "analytics",
		Username:          "root",
		Password:          "secret",
		ConnectionTimeout: 5 * time.Second,
		LoadTimeout:       time.Minute,
	})

	assert.Equal(t, "starrocks-fe:9030", mc.Addr)
	assert.Equal(t, "analytics", mc.DBName)
	assert.True(t, mc.InterpolateParams)
	assert.True(t, mc.ParseTime)
	assert.Contains(t, mc.FormatDSN(), "tcp(starrocks-fe:9030)/analytics")
}
