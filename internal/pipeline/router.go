package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// item is one entry of a table queue: an event or a checkpoint barrier.
type item struct {
	event   *cdc.ChangeEvent
	barrier *barrier
}

// barrier travels through every table queue behind the events that precede
// it. A worker acknowledges it once those events are applied.
type barrier struct {
	id               int64
	lsn              cdc.LSN
	snapshotComplete bool
	acks             chan<- barrierAck
}

type barrierAck struct {
	id    int64
	table string
	state checkpoint.TableState
}

// route is the per-mapping state the router needs.
type route struct {
	mapping config.TableMapping
	keys    []string
	columns map[string]bool
	coercer *loader.Coercer
	worker  *Worker
	lane    *lane
}

// Router is the single consumer of the capture stream. It projects and
// coerces each event, rejects bad rows to the dead-letter queue and fans
// events out to per-table lanes in source order. Watermarks advance the
// position that checkpoints may claim.
type Router struct {
	routes   map[string]*route
	lanes    []*lane
	inFlight int64
	budget   *semaphore.Weighted
	dlq      *deadletter.Writer
	metrics  *metrics.Metrics
	sup      *supervisor.Supervisor
	barriers chan *barrier
	logger   *zap.Logger

	position atomic.Uint64
	snapDone atomic.Bool
	dropped  atomic.Int64
	replayed atomic.Int64
	done     chan struct{}
}

// NewRouter builds a router over workers. The source schema qualifies
// unqualified mappings.
func NewRouter(schema string, workers []*Worker, dlq *deadletter.Writer, m *metrics.Metrics, sup *supervisor.Supervisor, logger *zap.Logger) *Router {
	r := &Router{
		routes:   make(map[string]*route, len(workers)),
		dlq:      dlq,
		metrics:  m,
		sup:      sup,
		barriers: make(chan *barrier),
		logger:   logger.With(zap.String("component", "router")),
		done:     make(chan struct{}),
	}
	for _, w := range workers {
		r.inFlight += int64(cap(w.queue))
	}
	r.LimitInFlight(max(r.inFlight, 1))
	for _, w := range workers {
		l := newLane(w, r.budget)
		r.lanes = append(r.lanes, l)
		w.job.depth = func() int { return len(w.queue) + l.pending() }
		rt := &route{
			mapping: w.mapping,
			keys:    w.mapping.KeyColumns(),
			coercer: w.coercer,
			worker:  w,
			lane:    l,
		}
		if len(w.mapping.Columns) > 0 {
			rt.columns = make(map[string]bool, len(w.mapping.Columns))
			for _, c := range w.mapping.Columns {
				rt.columns[c] = true
			}
			for _, k := range rt.keys {
				rt.columns[k] = true
			}
		}
		r.routes[w.mapping.QualifiedSource(schema)] = rt
	}
	return r
}

// LimitInFlight caps the number of routed events waiting for room in table
// queues. Once the cap is reached the router stops reading the capture
// stream. It must be called before Run.
func (r *Router) LimitInFlight(n int64) {
	if n <= 0 {
		return
	}
	r.inFlight = n
	r.budget = semaphore.NewWeighted(n)
	for _, l := range r.lanes {
		l.budget = r.budget
	}
}

// Resume sets the starting position from a loaded checkpoint.
func (r *Router) Resume(lsn cdc.LSN, snapshotComplete bool) {
	r.position.Store(uint64(lsn))
	r.snapDone.Store(snapshotComplete)
}

// Position is the last watermark routed to every table queue.
func (r *Router) Position() cdc.LSN { return cdc.LSN(r.position.Load()) }

// SnapshotComplete reports whether the snapshot watermark has been routed.
func (r *Router) SnapshotComplete() bool { return r.snapDone.Load() }

// Done is closed once the router has closed every table queue.
func (r *Router) Done() <-chan struct{} { return r.done }

// Dropped counts events for tables without a mapping.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Replayed counts events skipped because their transaction was already routed.
func (r *Router) Replayed() int64 { return r.replayed.Load() }

// requestBarrier hands b to the router. It fails when the router has exited.
func (r *Router) requestBarrier(ctx context.Context, b *barrier) bool {
	select {
	case r.barriers <- b:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run consumes in until it is closed, then closes every table queue once
// its lane has forwarded what was routed to it. A table whose queue is full
// holds back only its own lane.
func (r *Router) Run(ctx context.Context, in <-chan cdc.Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range r.lanes {
		l := l
		g.Go(func() error { return l.run(gctx) })
	}
	err := r.consume(gctx, in)
	for _, l := range r.lanes {
		l.close()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	close(r.done)
	return err
}

func (r *Router) consume(ctx context.Context, in <-chan cdc.Message) error {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
		case b := <-r.barriers:
			b.lsn = r.Position()
			b.snapshotComplete = r.SnapshotComplete()
			for _, l := range r.lanes {
				l.put(item{barrier: b})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) handle(ctx context.Context, msg cdc.Message) error {
	if wm := msg.Watermark; wm != nil {
		if uint64(wm.LSN) > r.position.Load() {
			r.position.Store(uint64(wm.LSN))
		}
		if wm.SnapshotComplete {
			r.snapDone.Store(true)
		}
		return nil
	}
	ev := msg.Event
	if ev == nil {
		return nil
	}
	if ev.CommitLSN != 0 && uint64(ev.CommitLSN) <= r.position.Load() {
		// replayed by a restarted capture after its watermark was routed
		r.replayed.Add(1)
		return nil
	}
	rt, ok := r.routes[ev.Table]
	if !ok {
		r.dropped.Add(1)
		r.logger.Debug("dropping event for unmapped table", zap.String("table", ev.Table))
		return nil
	}
	out, err := rt.prepare(ev)
	if err != nil {
		r.reject(rt, ev, err)
		return nil
	}
	if err := r.budget.Acquire(ctx, 1); err != nil {
		return err
	}
	rt.lane.put(item{event: out})
	return nil
}

func (r *Router) reject(rt *route, ev *cdc.ChangeEvent, err error) {
	table := rt.mapping.TargetTable
	rec := deadletter.FromEvent(ev, err)
	rec.Table = table
	r.dlq.Send(rec)
	rt.worker.deadLettered.Add(1)
	if r.metrics != nil {
		r.metrics.RecordFailed(table, string(supervisor.ClassData), 1)
	}
	if r.sup != nil {
		r.sup.Record(err, supervisor.ErrorContext{
			Operation: "route_event",
			Table:     table,
			Position:  ev.CommitLSN.String(),
		})
	}
	r.logger.Warn("event rejected to dead-letter queue",
		zap.String("table", table),
		zap.String("operation", string(ev.Operation)),
		zap.Any("key", rec.PrimaryKey),
		zap.Error(err))
}

// prepare returns a projected, coerced copy of ev with its key recomputed
// in mapping key order.
func (rt *route) prepare(ev *cdc.ChangeEvent) (*cdc.ChangeEvent, error) {
	out := *ev
	out.Row = make(cdc.Row, len(ev.Row))
	for col, v := range ev.Row {
		if rt.columns == nil || rt.columns[col] {
			out.Row[col] = v
		}
	}

	if ev.Operation == cdc.OperationDelete {
		key := ev.OldKey
		if key == nil {
			key = ev.Key
		}
		if key == nil {
			var ok bool
			if key, ok = cdc.KeyOf(out.Row, rt.keys); !ok {
				return nil, errors.New(errors.ErrorTypeData, "delete without primary key values")
			}
		}
		oldKey, err := rt.coerceKey(key)
		if err != nil {
			return nil, err
		}
		out.Key, out.OldKey = nil, oldKey
		out.Row = make(cdc.Row, len(rt.keys))
		for i, c := range rt.keys {
			out.Row[c] = oldKey[i]
		}
		return &out, nil
	}

	row, err := rt.coercer.Row(out.Row)
	if err != nil {
		return nil, err
	}
	key, ok := cdc.KeyOf(row, rt.keys)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "%s row is missing primary key columns %v", ev.Operation, rt.keys)
	}
	out.Row, out.Key = row, key
	out.Unchanged = nil
	for _, col := range ev.Unchanged {
		if rt.columns == nil || rt.columns[col] {
			out.Unchanged = append(out.Unchanged, col)
		}
	}
	if ev.OldKey != nil {
		if out.OldKey, err = rt.coerceKey(ev.OldKey); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (rt *route) coerceKey(key []any) ([]any, error) {
	if len(key) != len(rt.keys) {
		return nil, errors.Newf(errors.ErrorTypeData, "key has %d values, want %d", len(key), len(rt.keys))
	}
	out := make([]any, len(key))
	for i, c := range rt.keys {
		if key[i] == nil {
			return nil, errors.Newf(errors.ErrorTypeData, "key column %s is null", c)
		}
		v, err := rt.coercer.Value(c, key[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "key column "+c).WithDetail("value", key[i])
		}
		out[i] = v
	}
	return out, nil
}
