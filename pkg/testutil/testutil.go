// Package testutil provides testing utilities for starsync
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/config"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// TestConfig returns a valid configuration with one table, public.orders
// keyed by id, fast timers and an in-memory checkpoint store.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Source: config.SourceConfig{
			Host: "localhost", Port: 5432, Database: "app", Username: "starsync",
			Schema: "public", PoolSize: 2, SlotName: "starsync_slot", PublicationName: "starsync_pub",
			ConnectionTimeout: time.Second, QueryTimeout: time.Second, AcquireTimeout: time.Second,
		},
		Target: config.TargetConfig{
			Host: "localhost", Port: 9030, HTTPPort: 8030, Database: "analytics", Username: "root",
			PoolSize: 2, ConnectionTimeout: time.Second, AcquireTimeout: time.Second,
			LoadTimeout: 5 * time.Second, LoadMethod: "sql",
		},
		Tables: []config.TableMapping{{
			SourceTable: "orders", TargetTable: "orders", PrimaryKey: "id",
			Columns:  []string{"id", "amount", "note"},
			SyncMode: config.SyncModeCDC, BatchSize: 100, SyncInterval: 50 * time.Millisecond,
		}},
		CDC: config.CDCConfig{
			StartupMode: config.StartupHybrid, PollIntervalMS: 10, SnapshotChunkSize: 100,
			HeartbeatInterval: time.Second, ConnectTimeout: time.Second,
			QueueCapacity: 64, TableQueueCapacity: 64,
		},
		Checkpoint: config.CheckpointConfig{
			Interval: 50 * time.Millisecond, Timeout: time.Second, MinPause: 10 * time.Millisecond,
			Mode: config.CheckpointExactlyOnce, Storage: "memory", Path: t.TempDir(), MaxFailures: 3,
		},
		Monitoring: config.MonitoringConfig{
			JobCheckInterval: 20 * time.Millisecond, MetricsCollectionInterval: 50 * time.Millisecond,
			LivenessTimeout: time.Minute, AlertWindow: time.Minute, AlertCooldown: time.Minute,
		},
		ErrorHandling: config.ErrorHandlingConfig{
			MaxRetries: 3, RetryDelay: time.Millisecond, ExponentialBackoff: true,
			MaxRetryDelay: 10 * time.Millisecond, RestartAttempts: 2,
		},
		Logging:             config.LoggingConfig{Level: "debug", Format: "console"},
		ShutdownGracePeriod: 2 * time.Second,
		DeploymentMode:      config.DeploymentDocker,
	}
}
