// Package pipeline moves change events from a capture source to StarRocks.
//
// A single router consumes the capture stream and fans events out to one
// bounded queue per target table through a per-table lane, so a stalled
// table never holds back the others. Each table worker batches and applies its
// queue independently. The checkpoint coordinator periodically pushes a
// barrier through every queue; once all workers have applied the events
// ahead of it, the barrier's position is persisted and acknowledged to the
// source.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// Deps are the external components a Service drives.
type Deps struct {
	Source     cdc.Source
	Target     loader.Target
	Store      checkpoint.Store
	DeadLetter deadletter.Sink
	Metrics    *metrics.Metrics
	Supervisor *supervisor.Supervisor
}

// Service runs one replication pipeline: capture, routing, per-table
// loading and checkpointing.
type Service struct {
	cfg      *config.Config
	deps     Deps
	sourceID string
	logger   *zap.Logger

	dlq         *deadletter.Writer
	workers     []*Worker
	router      *Router
	coordinator *Coordinator
	monitor     *Monitor
	registry    *Registry
	capture     *Job

	heartbeat atomic.Int64
	started   atomic.Bool
}

// New validates the table mappings and builds the pipeline. Nothing runs
// until Run is called.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Source == nil || deps.Target == nil || deps.Store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline needs a source, a target and a checkpoint store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Supervisor == nil {
		deps.Supervisor = supervisor.New(supervisor.PolicyFromConfig(cfg.ErrorHandling), deps.Metrics, logger)
	}
	if deps.DeadLetter == nil {
		deps.DeadLetter = deadletter.NewLogSink(logger)
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		sourceID: cfg.Source.ID(),
		logger:   logger.With(zap.String("component", "pipeline")),
		registry: NewRegistry(),
	}
	s.capture = s.registry.add(newJob("capture", KindCapture))
	s.dlq = deadletter.NewWriter(deps.DeadLetter, cfg.ErrorHandling.DeadLetter.BufferSize, deps.Metrics, logger)

	wdeps := WorkerDeps{
		Target:     deps.Target,
		DeadLetter: s.dlq,
		Metrics:    deps.Metrics,
		Supervisor: deps.Supervisor,
		Touch:      s.touch,
	}
	for _, m := range cfg.EnabledTables() {
		w, err := NewWorker(m, cfg.CDC.TableQueueCapacity, wdeps, logger)
		if err != nil {
			_ = s.dlq.Close(context.Background())
			return nil, err
		}
		s.workers = append(s.workers, w)
		s.registry.add(w.job)
	}
	if len(s.workers) == 0 {
		_ = s.dlq.Close(context.Background())
		return nil, errors.New(errors.ErrorTypeConfig, "no enabled table mappings")
	}

	s.router = NewRouter(cfg.Source.Schema, s.workers, s.dlq, deps.Metrics, deps.Supervisor, logger)
	s.router.LimitInFlight(int64(cfg.CDC.MaxInFlightEvents))
	s.coordinator = NewCoordinator(cfg.Checkpoint, s.sourceID, s.router, s.workers, deps.Store, deps.Source, nil, wdeps, logger)
	s.monitor = NewMonitor(s.registry, deps.Metrics, cfg.Monitoring.JobCheckInterval, cfg.ErrorHandling.RestartAttempts, logger)
	return s, nil
}

func (s *Service) touch() { s.heartbeat.Store(time.Now().UnixNano()) }

// Heartbeat is the last time the pipeline made progress.
func (s *Service) Heartbeat() time.Time {
	n := s.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Started reports whether Run got past startup.
func (s *Service) Started() bool { return s.started.Load() }

// Jobs returns a snapshot of every job.
func (s *Service) Jobs() []JobStatus { return s.registry.Snapshot() }

// LastCheckpoint returns the latest persisted checkpoint, or nil.
func (s *Service) LastCheckpoint() *checkpoint.Checkpoint { return s.coordinator.Last() }

// Position is the last commit position routed to the table queues.
func (s *Service) Position() cdc.LSN { return s.router.Position() }

// DeadLetterStats reports dead-letter writer activity.
func (s *Service) DeadLetterStats() deadletter.Stats { return s.dlq.Stats() }

// SourceStatus reports the capture engine state.
func (s *Service) SourceStatus() cdc.Status { return s.deps.Source.Status() }

// Run resumes from the stored checkpoint and replicates until ctx is
// cancelled, a snapshot-only run completes or a fatal error occurs. On
// cancellation capture stops first, queued events are applied within the
// shutdown grace period and a final checkpoint is written.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.dlq.Close(closeCtx); err != nil {
			s.logger.Warn("dead-letter writer did not drain", zap.Error(err))
		}
	}()

	last, err := s.deps.Store.Load(ctx, s.sourceID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "load checkpoint")
	}
	opts := cdc.StartOptions{Mode: config.NormalizeStartupMode(s.cfg.CDC.StartupMode)}
	if last != nil {
		opts.ResumeLSN = last.LSN
		opts.SnapshotComplete = last.SnapshotComplete
		s.router.Resume(last.LSN, last.SnapshotComplete)
		s.coordinator.mu.Lock()
		s.coordinator.last = last
		s.coordinator.mu.Unlock()
		s.logger.Info("resuming from checkpoint",
			zap.String("checkpoint_id", last.ID),
			zap.Int64("sequence", last.Sequence),
			zap.String("lsn", last.LSN.String()),
			zap.Bool("snapshot_complete", last.SnapshotComplete))
	} else {
		s.logger.Info("no checkpoint found, starting fresh", zap.String("mode", opts.Mode))
	}

	// Loading outlives ctx by the grace period so queued events still land.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		grace := s.cfg.ShutdownGracePeriod
		if grace <= 0 {
			grace = 30 * time.Second
		}
		s.logger.Info("shutdown requested, draining table queues", zap.Duration("grace_period", grace))
		time.AfterFunc(grace, cancelWork)
	})
	defer stopGrace()

	g, gctx := errgroup.WithContext(workCtx)
	captureCtx, cancelCapture := context.WithCancel(gctx)
	defer cancelCapture()
	stopCapture := context.AfterFunc(ctx, cancelCapture)
	defer stopCapture()

	queue := s.cfg.CDC.QueueCapacity
	if queue <= 0 {
		queue = 10000
	}
	msgs := make(chan cdc.Message, queue)

	s.touch()
	s.started.Store(true)

	g.Go(func() error {
		defer close(msgs)
		return s.runCapture(captureCtx, opts, msgs)
	})
	g.Go(func() error { return s.router.Run(gctx, msgs) })

	monitorCtx, cancelMonitor := context.WithCancel(gctx)
	defer cancelMonitor()
	var tables errgroup.Group
	for _, w := range s.workers {
		w := w
		tables.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		defer cancelMonitor()
		return tables.Wait()
	})
	g.Go(func() error { return s.coordinator.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(monitorCtx) })

	err = g.Wait()
	s.capture.setState(JobStopped)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			s.logger.Warn("shutdown grace period expired before table queues drained, skipping final checkpoint")
			return nil
		}
		s.logger.Error("pipeline stopped on fatal error", zap.Error(err))
		return err
	}
	for _, w := range s.workers {
		if !w.Drained() {
			s.logger.Warn("table did not drain, skipping final checkpoint", zap.String("table", w.table))
			return nil
		}
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.checkpointTimeout())
	defer cancel()
	if err := s.coordinator.Final(finalCtx); err != nil {
		s.logger.Error("final checkpoint failed", zap.Error(err))
		return err
	}
	s.logger.Info("pipeline stopped",
		zap.String("lsn", s.router.Position().String()),
		zap.Int64("unmapped_events", s.router.Dropped()))
	return nil
}

func (s *Service) checkpointTimeout() time.Duration {
	if t := s.cfg.Checkpoint.Timeout; t > 0 {
		return t
	}
	return time.Minute
}

// runCapture restarts the source after non-fatal failures, resuming from
// the last routed position so no transaction is emitted twice.
func (s *Service) runCapture(ctx context.Context, opts cdc.StartOptions, out chan<- cdc.Message) error {
	policy := s.deps.Supervisor.Policy()
	for attempt := 0; ; attempt++ {
		s.capture.setState(JobRunning)
		err := s.deps.Source.StartCapture(ctx, opts, out)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		s.capture.fail(err)
		class := supervisor.Classify(err)
		s.deps.Supervisor.Record(err, supervisor.ErrorContext{
			Operation: "capture",
			Position:  s.router.Position().String(),
		})
		if class == supervisor.ClassFatal || attempt >= s.cfg.ErrorHandling.RestartAttempts {
			s.logger.Error("capture failed",
				zap.String("error_class", string(class)),
				zap.Int("restarts", attempt),
				zap.Error(err))
			return err
		}

		delay := policy.GetDelay(attempt)
		s.logger.Warn("capture failed, restarting",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		s.capture.restarted()
		opts = cdc.StartOptions{
			Mode:             opts.Mode,
			ResumeLSN:        s.router.Position(),
			SnapshotComplete: s.router.SnapshotComplete(),
		}
	}
}
