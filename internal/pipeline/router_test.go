package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

func ordersMapping() config.TableMapping {
	return config.TableMapping{
		SourceTable:  "orders",
		TargetTable:  "orders",
		PrimaryKey:   "id",
		Columns:      []string{"id", "amount"},
		ColumnTypes:  map[string]string{"id": "BIGINT", "amount": "DECIMAL(8,2)"},
		SyncMode:     config.SyncModeCDC,
		BatchSize:    100,
		SyncInterval: 50 * time.Millisecond,
	}
}

type fixture struct {
	worker *Worker
	router *Router
	sink   *deadletter.MemorySink
	dlq    *deadletter.Writer
}

func newFixture(t *testing.T, m config.TableMapping, target loader.Target) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sink := deadletter.NewMemorySink()
	dlq := deadletter.NewWriter(sink, 64, nil, logger)
	mtr := metrics.New()
	sup := supervisor.New(supervisor.NewRetryPolicy(2, time.Millisecond), mtr, logger)
	if target == nil {
		target = loader.NewMemoryTarget()
	}
	w, err := NewWorker(m, 16, WorkerDeps{Target: target, DeadLetter: dlq, Metrics: mtr, Supervisor: sup}, logger)
	require.NoError(t, err)
	return &fixture{
		worker: w,
		router: NewRouter("public", []*Worker{w}, dlq, mtr, sup, logger),
		sink:   sink,
		dlq:    dlq,
	}
}

// route runs the router over msgs and returns what reached the table queue.
func (f *fixture) route(t *testing.T, msgs ...cdc.Message) []item {
	t.Helper()
	in := make(chan cdc.Message, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	require.NoError(t, f.router.Run(context.Background(), in))

	var out []item
	for it := range f.worker.queue {
		out = append(out, it)
	}
	return out
}

func (f *fixture) deadLetters(t *testing.T) []deadletter.Record {
	t.Helper()
	require.NoError(t, f.dlq.Close(context.Background()))
	return f.sink.Records()
}

func event(ev *cdc.ChangeEvent) cdc.Message { return cdc.Message{Event: ev} }

func TestRouterProjectsAndCoerces(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)

	items := f.route(t, event(&cdc.ChangeEvent{
		Table:     "public.orders",
		Operation: cdc.OperationInsert,
		Row:       cdc.Row{"id": "7", "amount": "12.5", "internal_note": "drop me"},
		CommitLSN: 10,
	}))

	require.Len(t, items, 1)
	ev := items[0].event
	require.NotNil(t, ev)
	assert.Equal(t, cdc.Row{"id": int64(7), "amount": "12.50"}, ev.Row)
	assert.Equal(t, []any{int64(7)}, ev.Key)
	assert.Empty(t, f.deadLetters(t))
}

func TestRouterKeepsProjectedUnchangedColumns(t *testing.T) {
	m := ordersMapping()
	m.Columns = append(m.Columns, "note")
	f := newFixture(t, m, nil)

	items := f.route(t, event(&cdc.ChangeEvent{
		Table:     "public.orders",
		Operation: cdc.OperationUpdate,
		Row:       cdc.Row{"id": int64(7), "amount": "1"},
		Unchanged: []string{"note", "internal_blob"},
		CommitLSN: 10,
	}))

	require.Len(t, items, 1)
	assert.Equal(t, []string{"note"}, items[0].event.Unchanged)
}

func TestRouterDropsUnmappedTables(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)

	items := f.route(t, event(&cdc.ChangeEvent{
		Table:     "public.audit_log",
		Operation: cdc.OperationInsert,
		Row:       cdc.Row{"id": int64(1)},
	}))

	assert.Empty(t, items)
	assert.EqualValues(t, 1, f.router.Dropped())
}

func TestRouterDeadLettersBadRows(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)

	items := f.route(t,
		event(&cdc.ChangeEvent{
			Table:     "public.orders",
			Operation: cdc.OperationInsert,
			Row:       cdc.Row{"amount": "1.00"},
		}),
		event(&cdc.ChangeEvent{
			Table:     "public.orders",
			Operation: cdc.OperationInsert,
			Key:       []any{int64(2)},
			Row:       cdc.Row{"id": int64(2), "amount": "12345678.00"},
			CommitLSN: 20,
		}),
		event(&cdc.ChangeEvent{
			Table:     "public.orders",
			Operation: cdc.OperationInsert,
			Row:       cdc.Row{"id": int64(3), "amount": "3"},
			CommitLSN: 20,
		}),
	)

	require.Len(t, items, 1)
	assert.Equal(t, []any{int64(3)}, items[0].event.Key)

	recs := f.deadLetters(t)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "orders", rec.Table)
		assert.Equal(t, string(supervisor.ClassData), rec.ErrorClass)
	}
	assert.Equal(t, []any{int64(2)}, recs[1].PrimaryKey)
	assert.EqualValues(t, 2, f.worker.State().DeadLettered)
}

func TestRouterDeleteCarriesOnlyKey(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)

	items := f.route(t, event(&cdc.ChangeEvent{
		Table:     "public.orders",
		Operation: cdc.OperationDelete,
		OldKey:    []any{"9"},
		Row:       cdc.Row{"id": "9", "amount": "not a number"},
	}))

	require.Len(t, items, 1)
	ev := items[0].event
	assert.Nil(t, ev.Key)
	assert.Equal(t, []any{int64(9)}, ev.OldKey)
	assert.Equal(t, cdc.Row{"id": int64(9)}, ev.Row)
}

func TestRouterWatermarksAndReplay(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)
	insert := func(id int64, lsn cdc.LSN) cdc.Message {
		return event(&cdc.ChangeEvent{
			Table:     "public.orders",
			Operation: cdc.OperationInsert,
			Row:       cdc.Row{"id": id, "amount": "1"},
			CommitLSN: lsn,
		})
	}

	items := f.route(t,
		insert(1, 10),
		cdc.Message{Watermark: &cdc.Watermark{LSN: 10, SnapshotComplete: true}},
		insert(2, 20),
		cdc.Message{Watermark: &cdc.Watermark{LSN: 20, SnapshotComplete: true}},
		// a restarted capture replays the transaction at 20
		insert(2, 20),
		cdc.Message{Watermark: &cdc.Watermark{LSN: 15}},
		insert(3, 30),
	)

	require.Len(t, items, 3)
	assert.Equal(t, cdc.LSN(20), f.router.Position())
	assert.True(t, f.router.SnapshotComplete())
	assert.EqualValues(t, 1, f.router.Replayed())
}

func TestRouterBarrierCarriesPosition(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)
	f.router.Resume(40, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := make(chan cdc.Message)
	errc := make(chan error, 1)
	go func() { errc <- f.router.Run(ctx, in) }()

	acks := make(chan barrierAck, 1)
	b := &barrier{id: 1, acks: acks}
	require.True(t, f.router.requestBarrier(ctx, b))

	it := <-f.worker.queue
	require.NotNil(t, it.barrier)
	assert.Equal(t, cdc.LSN(40), it.barrier.lsn)
	assert.True(t, it.barrier.snapshotComplete)

	close(in)
	require.NoError(t, <-errc)
	<-f.router.Done()
	assert.False(t, f.router.requestBarrier(ctx, &barrier{id: 2, acks: acks}))
}

func TestRouterStalledTableDoesNotBlockOthers(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dlq := deadletter.NewWriter(deadletter.NewMemorySink(), 64, nil, logger)
	mtr := metrics.New()
	sup := supervisor.New(supervisor.NewRetryPolicy(2, time.Millisecond), mtr, logger)
	deps := WorkerDeps{Target: loader.NewMemoryTarget(), DeadLetter: dlq, Metrics: mtr, Supervisor: sup}

	orders, err := NewWorker(ordersMapping(), 2, deps, logger)
	require.NoError(t, err)
	otherMapping := ordersMapping()
	otherMapping.SourceTable, otherMapping.TargetTable = "other", "other"
	other, err := NewWorker(otherMapping, 2, deps, logger)
	require.NoError(t, err)
	router := NewRouter("public", []*Worker{orders, other}, dlq, mtr, sup, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := make(chan cdc.Message, 8)
	errc := make(chan error, 1)
	go func() { errc <- router.Run(ctx, in) }()

	// nothing consumes orders, so its queue fills after two events
	for id := int64(1); id <= 3; id++ {
		in <- event(&cdc.ChangeEvent{Table: "public.orders", Operation: cdc.OperationInsert, Row: cdc.Row{"id": id, "amount": "1"}, CommitLSN: 10})
	}
	in <- event(&cdc.ChangeEvent{Table: "public.other", Operation: cdc.OperationInsert, Row: cdc.Row{"id": int64(1), "amount": "1"}, CommitLSN: 10})

	select {
	case it := <-other.queue:
		require.NotNil(t, it.event)
		assert.Equal(t, []any{int64(1)}, it.event.Key)
	case <-time.After(2 * time.Second):
		t.Fatalf("other table starved while orders queue is full (len=%d)", len(orders.queue))
	}
	assert.Eventually(t, func() bool { return orders.Job().Status().QueueDepth == 3 }, 2*time.Second, 10*time.Millisecond)

	// draining orders lets the held event through in order
	close(in)
	var ids []any
	for it := range orders.queue {
		ids = append(ids, it.event.Key[0])
	}
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, ids)
	require.NoError(t, <-errc)
}

func TestRouterInFlightBudgetHoldsBackStream(t *testing.T) {
	f := newFixture(t, ordersMapping(), nil)
	f.router.LimitInFlight(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in := make(chan cdc.Message)
	errc := make(chan error, 1)
	go func() { errc <- f.router.Run(ctx, in) }()

	send := func(id int64) bool {
		select {
		case in <- event(&cdc.ChangeEvent{Table: "public.orders", Operation: cdc.OperationInsert, Row: cdc.Row{"id": id, "amount": "1"}, CommitLSN: 10}):
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}
	// 16 fill the table queue, one waits in the lane, the next is accepted
	// by the router but cannot get budget
	for id := int64(1); id <= 18; id++ {
		require.True(t, send(id), "event %d", id)
	}
	assert.False(t, send(19), "router kept reading with the in-flight budget exhausted")

	<-f.worker.queue
	assert.True(t, send(19))

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
