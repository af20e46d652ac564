package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/observability"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// Coordinator is the only checkpoint writer. Each round sends a barrier
// through the router, waits for every table worker to apply what precedes
// it, persists the barrier position and then acknowledges it to the source.
type Coordinator struct {
	cfg      config.CheckpointConfig
	sourceID string
	router   *Router
	workers  []*Worker
	store    checkpoint.Store
	source   cdc.Source
	metrics  *metrics.Metrics
	sup      *supervisor.Supervisor
	touch    func()
	logger   *zap.Logger

	rounds atomic.Int64

	mu        sync.Mutex
	last      *checkpoint.Checkpoint
	lastRound time.Time
	failures  int
}

// NewCoordinator creates a coordinator. last is the checkpoint the run
// resumed from and may be nil.
func NewCoordinator(cfg config.CheckpointConfig, sourceID string, router *Router, workers []*Worker,
	store checkpoint.Store, source cdc.Source, last *checkpoint.Checkpoint, deps WorkerDeps, logger *zap.Logger) *Coordinator {
	touch := deps.Touch
	if touch == nil {
		touch = func() {}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Coordinator{
		cfg:      cfg,
		sourceID: sourceID,
		router:   router,
		workers:  workers,
		store:    store,
		source:   source,
		metrics:  deps.Metrics,
		sup:      deps.Supervisor,
		touch:    touch,
		last:     last,
		logger:   logger.With(zap.String("component", "checkpoint_coordinator")),
	}
}

// Last returns the most recent persisted checkpoint, or nil.
func (c *Coordinator) Last() *checkpoint.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	cp := *c.last
	return &cp
}

// Failures returns the number of consecutive failed checkpoints.
func (c *Coordinator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Run triggers a round every checkpoint interval until ctx ends or the
// router exits. It returns an error once checkpointing is fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.router.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			wait := c.cfg.MinPause - time.Since(c.lastRound)
			c.mu.Unlock()
			if wait > 0 {
				continue
			}
			if err := c.Round(ctx); err != nil {
				return err
			}
		}
	}
}

// Round runs one barrier round. A failed round only returns an error when
// the failure limit of an exactly-once run is reached.
func (c *Coordinator) Round(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.checkpoint_round")
	defer span.End()

	acks := make(chan barrierAck, len(c.workers))
	b := &barrier{id: c.rounds.Add(1), acks: acks}
	span.SetAttributes(attribute.Int64("barrier_id", b.id))

	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if !c.router.requestBarrier(roundCtx, b) {
		select {
		case <-c.router.Done():
			return nil
		default:
		}
		if ctx.Err() != nil {
			return nil
		}
		return c.failed(ctx, span, errors.Newf(errors.ErrorTypeTimeout,
			"router did not accept barrier %d within %s", b.id, c.cfg.Timeout))
	}

	tables := make(map[string]checkpoint.TableState, len(c.workers))
	for len(tables) < len(c.workers) {
		select {
		case ack := <-acks:
			if ack.id == b.id {
				tables[ack.table] = ack.state
			}
		case <-roundCtx.Done():
			if ctx.Err() != nil {
				return nil
			}
			return c.failed(ctx, span, errors.Newf(errors.ErrorTypeTimeout,
				"barrier %d acknowledged by %d of %d tables within %s", b.id, len(tables), len(c.workers), c.cfg.Timeout))
		}
	}

	c.mu.Lock()
	c.lastRound = time.Now()
	c.mu.Unlock()
	c.touch()

	span.SetAttributes(attribute.String("lsn", b.lsn.String()))
	return c.commit(ctx, span, b.lsn, b.snapshotComplete, tables)
}

// Final writes the position reached after every table drained. It is
// called once on graceful shutdown.
func (c *Coordinator) Final(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.final_checkpoint")
	defer span.End()
	tables := make(map[string]checkpoint.TableState, len(c.workers))
	for _, w := range c.workers {
		tables[w.table] = w.State()
	}
	c.mu.Lock()
	// the failure limit does not apply to the last write
	c.failures = 0
	c.mu.Unlock()
	if err := c.commit(ctx, span, c.router.Position(), c.router.SnapshotComplete(), tables); err != nil {
		return err
	}
	if c.Failures() > 0 {
		return errors.New(errors.ErrorTypeCheckpoint, "final checkpoint could not be saved")
	}
	return nil
}

func (c *Coordinator) commit(ctx context.Context, span trace.Span, lsn cdc.LSN, snapshotComplete bool, tables map[string]checkpoint.TableState) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()

	if unchanged(last, lsn, snapshotComplete) {
		c.logger.Debug("position unchanged, skipping checkpoint write", zap.String("lsn", lsn.String()))
		return nil
	}

	cp := checkpoint.Next(last, c.sourceID, lsn, snapshotComplete, tables)
	err := c.sup.Do(ctx, supervisor.ErrorContext{
		Operation:    "checkpoint_save",
		CheckpointID: cp.ID,
		Position:     cp.LSN.String(),
	}, func(ctx context.Context) error {
		return c.store.Save(ctx, cp)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return c.failed(ctx, span, err)
	}

	c.mu.Lock()
	c.last = cp
	c.failures = 0
	c.mu.Unlock()

	c.source.Acknowledge(cp.LSN)
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(true, cp.CreatedAt)
	}
	for _, w := range c.workers {
		w.job.checkpointed(cp.CreatedAt)
	}
	observability.Logger(ctx, c.logger).Info("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.Int64("sequence", cp.Sequence),
		zap.String("lsn", cp.LSN.String()),
		zap.Bool("snapshot_complete", cp.SnapshotComplete))
	return nil
}

func unchanged(last *checkpoint.Checkpoint, lsn cdc.LSN, snapshotComplete bool) bool {
	if last == nil {
		return lsn == 0 && !snapshotComplete
	}
	return lsn <= last.LSN && (!snapshotComplete || last.SnapshotComplete)
}

func (c *Coordinator) failed(ctx context.Context, span trace.Span, err error) error {
	observability.RecordError(span, err)

	c.mu.Lock()
	c.failures++
	n := c.failures
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCheckpoint(false, time.Now())
	}
	observability.Logger(ctx, c.logger).Warn("checkpoint failed",
		zap.Int("consecutive_failures", n),
		zap.Int("max_failures", c.cfg.MaxFailures),
		zap.String("mode", c.cfg.Mode),
		zap.Error(err))

	if c.cfg.Mode == config.CheckpointAtLeastOnce || n < c.cfg.MaxFailures {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeCheckpoint,
		fmt.Sprintf("%d consecutive checkpoint failures", n))
}
