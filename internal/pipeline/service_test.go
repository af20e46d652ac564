package pipeline

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	tu "github.com/ajitpratap0/starsync/pkg/testutil"
)

type harness struct {
	cfg     *config.Config
	source  *tu.ScriptedSource
	target  loader.Target
	rows    *loader.MemoryTarget
	store   *checkpoint.MemoryStore
	sink    *deadletter.MemorySink
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := tu.TestConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	rows := loader.NewMemoryTarget()
	return &harness{
		cfg:     cfg,
		source:  tu.NewScriptedSource(),
		target:  rows,
		rows:    rows,
		store:   checkpoint.NewMemoryStore(),
		sink:    deadletter.NewMemorySink(),
		metrics: metrics.New(),
	}
}

func (h *harness) service(t *testing.T) *Service {
	t.Helper()
	svc, err := New(h.cfg, Deps{
		Source:     h.source,
		Target:     h.target,
		Store:      h.store,
		DeadLetter: h.sink,
		Metrics:    h.metrics,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func (h *harness) checkpoint(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.store.Load(context.Background(), h.cfg.Source.ID())
	require.NoError(t, err)
	return cp
}

func (h *harness) waitCheckpoint(t *testing.T, lsn cdc.LSN) {
	t.Helper()
	tu.AssertEventually(t, func() bool {
		cp := h.checkpoint(t)
		return cp != nil && cp.LSN >= lsn
	}, 5*time.Second, "checkpoint at "+lsn.String())
}

type running struct {
	cancel context.CancelFunc
	errc   chan error
}

func start(t *testing.T, svc *Service) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := &running{cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- svc.Run(ctx) }()
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

func txn(lsn cdc.LSN, events ...*cdc.ChangeEvent) tu.Txn {
	return tu.Txn{LSN: lsn, Events: events}
}

func TestHybridSnapshotThenStream(t *testing.T) {
	h := newHarness(t)
	h.source.WithSnapshot(100, tu.Insert(1, "10.00"), tu.Insert(2, "20.00"))
	h.source.Push(txn(200, tu.Update(1, "15.00"), tu.Delete(2), tu.Insert(3, "30.00")))

	svc := h.service(t)
	r := start(t, svc)
	h.waitCheckpoint(t, 200)
	assert.True(t, svc.Started())
	assert.False(t, svc.Heartbeat().IsZero())
	require.NoError(t, r.stop(t))

	rows := h.rows.Rows("orders")
	require.Len(t, rows, 2)
	assert.Equal(t, "15.00", rows["1"]["amount"])
	assert.Equal(t, "30.00", rows["3"]["amount"])
	assert.NotContains(t, rows, "2")

	cp := h.checkpoint(t)
	assert.Equal(t, cdc.LSN(200), cp.LSN)
	assert.True(t, cp.SnapshotComplete)
	assert.Contains(t, cp.Tables, "orders")
	assert.Equal(t, cdc.LSN(200), h.source.Acked())
	assert.Equal(t, cdc.LSN(200), svc.LastCheckpoint().LSN)
}

func TestInitialSnapshotRunCompletes(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CDC.StartupMode = "snapshot" })
	h.source.WithSnapshot(100, tu.Insert(1, "1.00"), tu.Insert(2, "2.00"), tu.Insert(3, "3.00"))
	h.source.Push(txn(200, tu.Insert(4, "4.00")))

	svc := h.service(t)
	r := start(t, svc)
	require.NoError(t, r.wait(t), "snapshot-only runs end on their own")

	assert.Len(t, h.rows.Rows("orders"), 3)
	cp := h.checkpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, cdc.LSN(100), cp.LSN)
	assert.True(t, cp.SnapshotComplete)
	for _, job := range svc.Jobs() {
		assert.Equal(t, JobStopped, job.State, job.Name)
	}
}

func TestResumesAfterCheckpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(),
		checkpoint.Next(nil, h.cfg.Source.ID(), 20, true, nil)))
	h.source.WithSnapshot(5, tu.Insert(99, "9.99"))
	h.source.Push(
		txn(10, tu.Insert(1, "1.00")),
		txn(20, tu.Insert(2, "2.00")),
		txn(30, tu.Insert(3, "3.00")),
	)

	r := start(t, h.service(t))
	h.waitCheckpoint(t, 30)
	require.NoError(t, r.stop(t))

	rows := h.rows.Rows("orders")
	assert.Len(t, rows, 1, "only events after the checkpoint are reprocessed")
	assert.Contains(t, rows, "3")

	starts := h.source.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, cdc.LSN(20), starts[0].ResumeLSN)
	assert.True(t, starts[0].SnapshotComplete)
	assert.EqualValues(t, 2, h.checkpoint(t).Sequence)
}

// history generates a random insert/update/delete stream and the source
// table it leaves behind.
func history(seed int64, n int) ([]tu.Txn, map[string]string) {
	rnd := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test data
	state := make(map[int64]string)
	var txns []tu.Txn
	lsn := cdc.LSN(0)
	for len(txns) < n {
		lsn += 16
		var events []*cdc.ChangeEvent
		size := 1 + rnd.Intn(4)
		for i := 0; i < size; i++ {
			id := int64(1 + rnd.Intn(20))
			amount := time.Duration(rnd.Intn(100000)).String()
			_, exists := state[id]
			switch {
			case !exists:
				events = append(events, tu.Insert(id, amount))
				state[id] = amount
			case rnd.Intn(3) == 0:
				events = append(events, tu.Delete(id))
				delete(state, id)
			default:
				events = append(events, tu.Update(id, amount))
				state[id] = amount
			}
		}
		txns = append(txns, txn(lsn, events...))
	}
	want := make(map[string]string, len(state))
	for id, amount := range state {
		want[cdc.KeyString([]any{id})] = amount
	}
	return txns, want
}

func amounts(rows map[string]cdc.Row) map[string]string {
	out := make(map[string]string, len(rows))
	for k, r := range rows {
		out[k], _ = r["amount"].(string)
	}
	return out
}

func TestReplayMatchesSourceTable(t *testing.T) {
	txns, want := history(42, 120)
	last := txns[len(txns)-1].LSN

	h := newHarness(t, func(c *config.Config) {
		c.CDC.StartupMode = config.StartupContinuous
		c.Tables[0].BatchSize = 7
	})
	h.source.Push(txns...)
	r := start(t, h.service(t))
	h.waitCheckpoint(t, last)
	require.NoError(t, r.stop(t))
	assert.Equal(t, want, amounts(h.rows.Rows("orders")))

	// a second delivery of the whole stream into the same target changes nothing
	replay := newHarness(t, func(c *config.Config) { c.CDC.StartupMode = config.StartupContinuous })
	replay.target, replay.rows = h.rows, h.rows
	replay.source.Push(txns...)
	r = start(t, replay.service(t))
	replay.waitCheckpoint(t, last)
	require.NoError(t, r.stop(t))
	assert.Equal(t, want, amounts(h.rows.Rows("orders")))
}

func TestCoercionFailureIsDeadLettered(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Tables[0].ColumnTypes = map[string]string{"id": "BIGINT", "amount": "DECIMAL(5,2)"}
	})
	h.source.Push(txn(10, tu.Insert(1, "12.5"), tu.Insert(2, "123456.78"), tu.Insert(3, "7")))

	r := start(t, h.service(t))
	h.waitCheckpoint(t, 10)
	require.NoError(t, r.stop(t))

	rows := h.rows.Rows("orders")
	require.Len(t, rows, 2)
	assert.Equal(t, "12.50", rows["1"]["amount"])
	assert.Equal(t, "7.00", rows["3"]["amount"])

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "orders", recs[0].Table)
	assert.Equal(t, []any{int64(2)}, recs[0].PrimaryKey)
	assert.Equal(t, "data", recs[0].ErrorClass)
	assert.Equal(t, cdc.LSN(10).String(), recs[0].LSN)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsFailed.WithLabelValues("orders", "data")))
	assert.EqualValues(t, 1, h.checkpoint(t).Tables["orders"].DeadLettered)
}

func usersConfig(c *config.Config) {
	c.CDC.StartupMode = config.StartupContinuous
	c.Tables = []config.TableMapping{{
		SourceTable:  "users",
		TargetTable:  "users",
		PrimaryKey:   "id",
		Columns:      []string{"id", "username", "email"},
		SyncMode:     config.SyncModeCDC,
		BatchSize:    100,
		SyncInterval: 20 * time.Millisecond,
	}}
}

func user(op cdc.Operation, id int64, username, email string) *cdc.ChangeEvent {
	ev := &cdc.ChangeEvent{
		Table:      "public.users",
		Operation:  op,
		Key:        []any{id},
		Row:        cdc.Row{"id": id, "username": username, "email": email},
		CommitTime: time.Now(),
	}
	if op == cdc.OperationDelete {
		ev.Key, ev.OldKey = nil, []any{id}
		ev.Row = cdc.Row{"id": id}
	}
	return ev
}

func TestUserUpdateThenDelete(t *testing.T) {
	h := newHarness(t, usersConfig)
	h.source.Push(
		txn(10, user(cdc.OperationInsert, 1, "john_doe", "john@example.com")),
		txn(20, user(cdc.OperationUpdate, 1, "john_doe", "john@new.com")),
	)

	r := start(t, h.service(t))
	h.waitCheckpoint(t, 20)

	rows := h.rows.Rows("users")
	require.Len(t, rows, 1, "never two rows")
	assert.Equal(t, cdc.Row{"id": int64(1), "username": "john_doe", "email": "john@new.com"}, rows["1"])

	h.source.Push(txn(30, user(cdc.OperationDelete, 1, "", "")))
	h.waitCheckpoint(t, 30)
	require.NoError(t, r.stop(t))
	assert.Empty(t, h.rows.Rows("users"))
}

func TestCaptureReconnectDoesNotLoseOrDuplicate(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CDC.StartupMode = config.StartupContinuous })
	h.source.FailAfter(2, nil)
	for id := int64(1); id <= 5; id++ {
		h.source.Push(txn(cdc.LSN(id*10), tu.Insert(id, "1.00")))
	}

	svc := h.service(t)
	r := start(t, svc)
	h.waitCheckpoint(t, 50)
	require.NoError(t, r.stop(t))

	assert.Len(t, h.rows.Rows("orders"), 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.EventsProcessed.WithLabelValues("orders", "upsert")),
		"every event applied exactly once")
	assert.Len(t, h.source.Starts(), 2)
	for _, job := range svc.Jobs() {
		if job.Kind == KindCapture {
			assert.Equal(t, 1, job.Restarts)
			assert.Equal(t, 1, job.Errors)
		}
	}
}

func TestCaptureFailureBeyondRestartsIsFatal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.CDC.StartupMode = config.StartupContinuous
		c.ErrorHandling.RestartAttempts = 0
	})
	h.source.FailAfter(0, errors.New(errors.ErrorTypeReplication, "replication slot starsync_slot is invalidated"))

	err := start(t, h.service(t)).wait(t)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypeReplication))
}

func TestCheckpointFailuresAreFatalInExactlyOnce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CDC.StartupMode = config.StartupContinuous })
	h.store.FailSaves = 1000
	h.source.Push(txn(10, tu.Insert(1, "1.00")))

	err := start(t, h.service(t)).wait(t)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpoint))
	assert.Nil(t, h.checkpoint(t))
	assert.Equal(t, cdc.LSN(0), h.source.Acked(), "nothing is acknowledged without a durable checkpoint")
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Checkpoints.WithLabelValues("failure")))
}

func TestAtLeastOnceSurvivesCheckpointFailures(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.CDC.StartupMode = config.StartupContinuous
		c.Checkpoint.Mode = config.CheckpointAtLeastOnce
	})
	// four attempts per round, five failed rounds
	h.store.FailSaves = 20
	h.source.Push(txn(10, tu.Insert(1, "1.00")))

	r := start(t, h.service(t))
	h.waitCheckpoint(t, 10)
	require.NoError(t, r.stop(t))
	assert.Equal(t, cdc.LSN(10), h.source.Acked())
}

// tableFailer fails every batch of one table.
type tableFailer struct {
	*loader.MemoryTarget
	table string
	err   error
}

func (f *tableFailer) Apply(ctx context.Context, b *loader.Batch) (loader.Result, error) {
	if b.Table == f.table {
		return loader.Result{}, f.err
	}
	return f.MemoryTarget.Apply(ctx, b)
}

func TestFailingTableIsHaltedOthersContinue(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		users := c.Tables[0]
		users.SourceTable, users.TargetTable = "users", "users"
		users.Columns = []string{"id", "username", "email"}
		c.Tables = append(c.Tables, users)
		c.CDC.StartupMode = config.StartupContinuous
	})
	h.target = &tableFailer{
		MemoryTarget: h.rows,
		table:        "orders",
		err:          errors.New(errors.ErrorTypeConnection, "connection refused"),
	}
	h.source.Push(
		txn(10, tu.Insert(1, "1.00"), user(cdc.OperationInsert, 1, "ann", "ann@example.com")),
		txn(20, tu.Insert(2, "2.00"), user(cdc.OperationInsert, 2, "bob", "bob@example.com")),
	)

	svc := h.service(t)
	r := start(t, svc)
	tu.AssertEventually(t, func() bool {
		for _, job := range svc.Jobs() {
			if job.Name == "orders" {
				return job.Halted
			}
		}
		return false
	}, 5*time.Second, "orders halted")
	h.waitCheckpoint(t, 20)
	require.NoError(t, r.stop(t))

	assert.Len(t, h.rows.Rows("users"), 2)
	assert.Empty(t, h.rows.Rows("orders"))

	recs := h.sink.Records()
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "orders", rec.Table)
	}
	for _, job := range svc.Jobs() {
		if job.Name == "orders" {
			assert.Equal(t, 3, job.Errors)
			assert.Equal(t, 2, job.Restarts)
		}
	}
}

func TestNewRejectsBadMappings(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Tables[0].ColumnTypes = map[string]string{"amount": "BLOB"}
	})
	_, err := New(h.cfg, Deps{Source: h.source, Target: h.target, Store: h.store}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	disabled := false
	h = newHarness(t, func(c *config.Config) { c.Tables[0].Enabled = &disabled })
	_, err = New(h.cfg, Deps{Source: h.source, Target: h.target, Store: h.store}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestLoadFailureIsFatalAtStartup(t *testing.T) {
	h := newHarness(t)
	svc, err := New(h.cfg, Deps{Source: h.source, Target: h.target, Store: brokenStore{checkpoint.NewMemoryStore()}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpoint))
	assert.False(t, svc.Started())
	assert.Empty(t, h.source.Starts())
}

type brokenStore struct{ *checkpoint.MemoryStore }

func (brokenStore) Load(context.Context, string) (*checkpoint.Checkpoint, error) {
	return nil, errors.New(errors.ErrorTypeConnection, "checkpoint table unreachable")
}
