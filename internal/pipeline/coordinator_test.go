package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
	"github.com/ajitpratap0/starsync/pkg/testutil"
)

func TestUnchangedPosition(t *testing.T) {
	last := &checkpoint.Checkpoint{LSN: 100, SnapshotComplete: false}
	tests := []struct {
		name string
		last *checkpoint.Checkpoint
		lsn  cdc.LSN
		snap bool
		want bool
	}{
		{"nothing yet", nil, 0, false, true},
		{"first position", nil, 10, false, false},
		{"snapshot finished at zero", nil, 0, true, false},
		{"same position", last, 100, false, true},
		{"older position", last, 90, false, true},
		{"newer position", last, 110, false, false},
		{"snapshot flag flips", last, 100, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unchanged(tt.last, tt.lsn, tt.snap))
		})
	}
}

// stalled builds a coordinator whose only worker never runs, so barriers
// are never acknowledged.
func stalled(t *testing.T, cfg config.CheckpointConfig) (*Coordinator, *testutil.ScriptedSource) {
	t.Helper()
	f := newFixture(t, ordersMapping(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	in := make(chan cdc.Message)
	go func() { _ = f.router.Run(ctx, in) }()

	src := testutil.NewScriptedSource()
	logger := zaptest.NewLogger(t)
	deps := WorkerDeps{Metrics: metrics.New(), Supervisor: supervisor.New(supervisor.NewRetryPolicy(1, time.Millisecond), nil, logger)}
	c := NewCoordinator(cfg, "src", f.router, []*Worker{f.worker}, checkpoint.NewMemoryStore(), src, nil, deps, logger)
	return c, src
}

func TestRoundTimeoutCountsAsFailure(t *testing.T) {
	c, src := stalled(t, config.CheckpointConfig{
		Interval:    time.Hour,
		Timeout:     30 * time.Millisecond,
		Mode:        config.CheckpointExactlyOnce,
		MaxFailures: 2,
	})
	ctx := context.Background()

	require.NoError(t, c.Round(ctx))
	assert.Equal(t, 1, c.Failures())

	err := c.Round(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpoint))
	assert.Nil(t, c.Last())
	assert.Equal(t, cdc.LSN(0), src.Acked())
}

func TestAtLeastOnceNeverFailsOnTimeouts(t *testing.T) {
	c, _ := stalled(t, config.CheckpointConfig{
		Interval:    time.Hour,
		Timeout:     20 * time.Millisecond,
		Mode:        config.CheckpointAtLeastOnce,
		MaxFailures: 1,
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Round(context.Background()))
	}
	assert.Equal(t, 3, c.Failures())
}
