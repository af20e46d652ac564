package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/observability"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

const tracerName = "github.com/ajitpratap0/starsync/internal/pipeline"

const (
	defaultBatchSize    = 1000
	defaultSyncInterval = time.Second
)

// Worker owns one target table. It batches events from its queue, applies
// them through the loader and acknowledges checkpoint barriers once every
// event ahead of them is applied.
type Worker struct {
	mapping  config.TableMapping
	table    string
	keys     []string
	coercer  *loader.Coercer
	queue    chan item
	target   loader.Target
	dlq      *deadletter.Writer
	metrics  *metrics.Metrics
	sup      *supervisor.Supervisor
	job      *Job
	logger   *zap.Logger
	touch    func()
	size     int
	interval time.Duration

	applied      atomic.Int64
	deadLettered atomic.Int64
	mu           sync.Mutex
	lastBatchID  string

	// halted is only touched by the Run goroutine
	halted  bool
	drained atomic.Bool
}

// WorkerDeps are the shared services a worker uses.
type WorkerDeps struct {
	Target     loader.Target
	DeadLetter *deadletter.Writer
	Metrics    *metrics.Metrics
	Supervisor *supervisor.Supervisor
	// Touch records pipeline progress for liveness.
	Touch func()
}

// NewWorker creates the worker for mapping with a queue of capacity items.
func NewWorker(mapping config.TableMapping, capacity int, deps WorkerDeps, logger *zap.Logger) (*Worker, error) {
	coercer, err := loader.NewCoercer(mapping.ColumnTypes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "table "+mapping.TargetTable)
	}
	if capacity <= 0 {
		capacity = 10000
	}
	size := mapping.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	interval := mapping.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	touch := deps.Touch
	if touch == nil {
		touch = func() {}
	}
	w := &Worker{
		mapping:  mapping,
		table:    mapping.TargetTable,
		keys:     mapping.KeyColumns(),
		coercer:  coercer,
		queue:    make(chan item, capacity),
		target:   deps.Target,
		dlq:      deps.DeadLetter,
		metrics:  deps.Metrics,
		sup:      deps.Supervisor,
		job:      newJob(mapping.TargetTable, KindTable),
		logger:   logger.With(zap.String("component", "table_worker"), zap.String("table", mapping.TargetTable)),
		touch:    touch,
		size:     size,
		interval: interval,
	}
	w.job.depth = func() int { return len(w.queue) }
	return w, nil
}

// Job returns the worker's job.
func (w *Worker) Job() *Job { return w.job }

// State returns the loader progress reported in checkpoints.
func (w *Worker) State() checkpoint.TableState {
	w.mu.Lock()
	id := w.lastBatchID
	w.mu.Unlock()
	return checkpoint.TableState{
		Applied:      w.applied.Load(),
		DeadLettered: w.deadLettered.Load(),
		LastBatchID:  id,
	}
}

// Drained reports whether the worker exited after applying its whole queue.
func (w *Worker) Drained() bool { return w.drained.Load() }

func (w *Worker) push(ctx context.Context, it item) error {
	select {
	case w.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the queue until the router closes it. It returns an error
// only when ctx ends first.
func (w *Worker) Run(ctx context.Context) error {
	w.job.setState(JobRunning)
	defer w.job.setState(JobStopped)

	var (
		pending []*cdc.ChangeEvent
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	flush := func() error {
		stopTimer()
		if len(pending) == 0 {
			return nil
		}
		err := w.flush(ctx, pending)
		pending = nil
		return err
	}

	for {
		select {
		case it, ok := <-w.queue:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				w.drained.Store(true)
				return nil
			}
			if b := it.barrier; b != nil {
				if !w.halted {
					w.job.setState(JobCheckpointing)
				}
				if err := flush(); err != nil {
					return err
				}
				w.ack(b)
				if !w.halted {
					w.job.setState(JobRunning)
				}
				continue
			}
			if w.halted {
				w.reject(it.event, errHalted(w.table))
				continue
			}
			pending = append(pending, it.event)
			if len(pending) == 1 {
				timer = time.NewTimer(w.interval)
				timerC = timer.C
			}
			if len(pending) >= w.size {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-timerC:
			timer, timerC = nil, nil
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ack never blocks: each round's ack channel holds one slot per worker.
func (w *Worker) ack(b *barrier) {
	b.acks <- barrierAck{id: b.id, table: w.table, state: w.State()}
}

func errHalted(table string) error {
	return errors.Newf(errors.ErrorTypeInternal, "table %s halted after repeated failures", table)
}

// flush applies events, waiting for the job monitor's decision after a
// failure. A halted table dead-letters the events instead.
func (w *Worker) flush(ctx context.Context, events []*cdc.ChangeEvent) error {
	if w.halted {
		for _, ev := range events {
			w.reject(ev, errHalted(w.table))
		}
		return nil
	}
	for restarted := false; ; {
		err := w.apply(ctx, events)
		if err == nil {
			if restarted {
				w.job.setState(JobRunning)
			}
			w.touch()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.job.fail(err)
		w.logger.Error("batch failed, waiting for job monitor",
			zap.Int("events", len(events)),
			zap.String("error_class", string(supervisor.Classify(err))),
			zap.Error(err))

		select {
		case cmd := <-w.job.control:
			if cmd == cmdRestart {
				restarted = true
				w.job.restarted()
				w.logger.Info("retrying failed batch", zap.Int("events", len(events)))
				continue
			}
			w.job.halt()
			w.halted = true
			cause := errors.Wrap(err, errors.ErrorTypeInternal, "table halted")
			for _, ev := range events {
				w.reject(ev, cause)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) apply(ctx context.Context, events []*cdc.ChangeEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.apply_batch")
	defer span.End()

	batch := &loader.Batch{
		ID:         uuid.NewString(),
		Table:      w.table,
		KeyColumns: w.keys,
		Ops:        loader.Compact(events, w.keys),
	}
	span.SetAttributes(
		attribute.String("table", w.table),
		attribute.String("batch_id", batch.ID),
		attribute.Int("events", len(events)),
		attribute.Int("ops", len(batch.Ops)),
	)

	start := time.Now()
	var res loader.Result
	err := w.sup.Do(ctx, supervisor.ErrorContext{
		Operation: "apply_batch",
		Table:     w.table,
		BatchID:   batch.ID,
		Position:  events[len(events)-1].CommitLSN.String(),
	}, func(ctx context.Context) error {
		var err error
		res, err = w.target.Apply(ctx, batch)
		return err
	})
	if err != nil {
		observability.RecordError(span, err)
		if w.metrics != nil {
			w.metrics.RecordFailed(w.table, string(supervisor.Classify(err)), len(batch.Ops))
		}
		return err
	}
	latency := time.Since(start)

	for _, rej := range res.Rejected {
		ev := rej.Op.Event
		if ev == nil {
			ev = &cdc.ChangeEvent{Table: w.table, Key: rej.Op.Key, Row: rej.Op.Row}
		}
		w.reject(ev, rej.Err)
	}

	w.applied.Add(int64(res.Applied()))
	w.mu.Lock()
	w.lastBatchID = batch.ID
	w.mu.Unlock()

	if m := w.metrics; m != nil {
		if res.Upserted > 0 {
			m.RecordProcessed(w.table, loader.Upsert.String(), res.Upserted, latency)
		}
		if res.Deleted > 0 {
			m.RecordProcessed(w.table, loader.Delete.String(), res.Deleted, latency)
		}
		m.RecordBatch(w.table, len(batch.Ops))
		var newest time.Time
		for _, ev := range events {
			if ev.CommitTime.After(newest) {
				newest = ev.CommitTime
			}
		}
		if !newest.IsZero() {
			m.SetReplicationLag(time.Since(newest))
		}
	}
	span.SetAttributes(
		attribute.Int("upserted", res.Upserted),
		attribute.Int("deleted", res.Deleted),
		attribute.Int("rejected", len(res.Rejected)),
	)
	w.logger.Debug("batch applied",
		zap.String("batch_id", batch.ID),
		zap.Int("events", len(events)),
		zap.Int("upserted", res.Upserted),
		zap.Int("deleted", res.Deleted),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("latency", latency))
	return nil
}

func (w *Worker) reject(ev *cdc.ChangeEvent, err error) {
	rec := deadletter.FromEvent(ev, err)
	rec.Table = w.table
	w.dlq.Send(rec)
	w.deadLettered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordFailed(w.table, string(supervisor.Classify(err)), 1)
	}
	if w.sup != nil && !w.halted {
		w.sup.Record(err, supervisor.ErrorContext{
			Operation: "load_row",
			Table:     w.table,
			Position:  ev.CommitLSN.String(),
		})
	}
}
