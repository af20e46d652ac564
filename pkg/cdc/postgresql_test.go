package cdc

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

func newTestCapture(t *testing.T) *PostgresCapture {
	t.Helper()
	cfg := &config.Config{
		Source: config.SourceConfig{Schema: "public", SlotName: "starsync"},
		Tables: []config.TableMapping{
			{SourceTable: "orders", TargetTable: "orders", PrimaryKey: "id", SyncMode: config.SyncModeCDC},
		},
	}
	return NewPostgresCapture(cfg, nil, nil, zaptest.NewLogger(t))
}

func ordersRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   16384,
		Namespace:    "public",
		RelationName: "orders",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: pgtype.Int8OID, Flags: 1},
			{Name: "amount", DataType: pgtype.NumericOID},
			{Name: "note", DataType: pgtype.TextOID},
		},
	}
}

func textTuple(values ...string) *pglogrepl.TupleData {
	td := &pglogrepl.TupleData{}
	for _, v := range values {
		col := &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(v)}
		if v == "<null>" {
			col = &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
		}
		if v == "<toast>" {
			col = &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast}
		}
		td.Columns = append(td.Columns, col)
		td.ColumnNum++
	}
	return td
}

func drain(out chan Message) []Message {
	var msgs []Message
	for {
		select {
		case m := <-out:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func feed(t *testing.T, c *PostgresCapture, st *streamState, out chan Message, msgs ...pglogrepl.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, c.handle(context.Background(), st, m, 0x1000, out))
	}
}

func TestHandleEmitsEventsThenWatermark(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0)
	out := make(chan Message, 16)
	commitTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	feed(t, c, st, out,
		ordersRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x2000, CommitTime: commitTime, Xid: 731},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("1", "10.50", "<null>")},
		&pglogrepl.CommitMessage{CommitLSN: 0x2000, TransactionEndLSN: 0x2030, CommitTime: commitTime},
	)

	msgs := drain(out)
	require.Len(t, msgs, 2)

	ev := msgs[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, "public.orders", ev.Table)
	assert.Equal(t, OperationInsert, ev.Operation)
	assert.Equal(t, []any{int64(1)}, ev.Key)
	assert.Equal(t, Row{"id": int64(1), "amount": "10.50", "note": nil}, ev.Row)
	assert.Equal(t, LSN(0x2000), ev.CommitLSN)
	assert.Equal(t, uint32(731), ev.TxID)
	assert.False(t, ev.Snapshot)

	wm := msgs[1].Watermark
	require.NotNil(t, wm)
	assert.Equal(t, LSN(0x2030), wm.LSN)
	assert.True(t, wm.SnapshotComplete)
	assert.Equal(t, LSN(0x2030), st.lastEmitted)
	assert.Equal(t, int64(1), c.Status().EventsEmitted)
	assert.Equal(t, int64(1), c.Status().Transactions)
}

func TestHandleSkipsTransactionsBeforeResumePosition(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0x3000)
	out := make(chan Message, 16)

	feed(t, c, st, out,
		ordersRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x2000, Xid: 1},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("1", "1", "a")},
		&pglogrepl.CommitMessage{CommitLSN: 0x2000, TransactionEndLSN: 0x2030},
	)
	assert.Empty(t, drain(out))
	assert.Equal(t, LSN(0x3000), st.lastEmitted)

	feed(t, c, st, out,
		&pglogrepl.BeginMessage{FinalLSN: 0x4000, Xid: 2},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("2", "2", "b")},
		&pglogrepl.CommitMessage{CommitLSN: 0x4000, TransactionEndLSN: 0x4030},
	)
	msgs := drain(out)
	require.Len(t, msgs, 2)
	assert.Equal(t, []any{int64(2)}, msgs[0].Event.Key)
	assert.Equal(t, LSN(0x4030), msgs[1].Watermark.LSN)
}

func TestHandleReplaysPartialTransactionWithoutDuplicates(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0x1000)
	st.partial = txState{final: 0x2000, emitted: 1}
	out := make(chan Message, 16)

	feed(t, c, st, out,
		ordersRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x2000, Xid: 9},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("1", "1", "a")},
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("2", "2", "b")},
		&pglogrepl.CommitMessage{CommitLSN: 0x2000, TransactionEndLSN: 0x2040},
	)

	msgs := drain(out)
	require.Len(t, msgs, 2)
	assert.Equal(t, []any{int64(2)}, msgs[0].Event.Key)
	assert.Equal(t, LSN(0x2040), msgs[1].Watermark.LSN)
	assert.Zero(t, st.partial.final)
}

func TestHandleUpdateAndDelete(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0)
	out := make(chan Message, 16)

	feed(t, c, st, out,
		ordersRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x2000, Xid: 5},
		&pglogrepl.UpdateMessage{RelationID: 16384, OldTupleType: 'K', OldTuple: textTuple("1", "<null>", "<null>"), NewTuple: textTuple("2", "3.00", "<toast>")},
		&pglogrepl.UpdateMessage{RelationID: 16384, NewTuple: textTuple("2", "4.00", "x")},
		&pglogrepl.DeleteMessage{RelationID: 16384, OldTupleType: 'K', OldTuple: textTuple("2", "<null>", "<null>")},
		&pglogrepl.CommitMessage{CommitLSN: 0x2000, TransactionEndLSN: 0x2050},
	)

	msgs := drain(out)
	require.Len(t, msgs, 4)

	moved := msgs[0].Event
	assert.Equal(t, OperationUpdate, moved.Operation)
	assert.True(t, moved.KeyChanged())
	assert.Equal(t, []any{int64(1)}, moved.OldKey)
	assert.NotContains(t, moved.Row, "note", "unchanged TOAST values are omitted")
	assert.Equal(t, []string{"note"}, moved.Unchanged)

	inPlace := msgs[1].Event
	assert.False(t, inPlace.KeyChanged())
	assert.Nil(t, inPlace.OldKey)

	del := msgs[2].Event
	assert.Equal(t, OperationDelete, del.Operation)
	assert.Equal(t, []any{int64(2)}, del.Key)
}

func TestHandleFillsUnchangedToastFromFullOldTuple(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0)
	out := make(chan Message, 16)

	feed(t, c, st, out,
		ordersRelation(),
		&pglogrepl.BeginMessage{FinalLSN: 0x3000, Xid: 6},
		&pglogrepl.UpdateMessage{RelationID: 16384, OldTupleType: 'O', OldTuple: textTuple("1", "1.00", "big toasted text"), NewTuple: textTuple("1", "2.00", "<toast>")},
		&pglogrepl.CommitMessage{CommitLSN: 0x3000, TransactionEndLSN: 0x3050},
	)

	msgs := drain(out)
	require.Len(t, msgs, 2)
	ev := msgs[0].Event
	assert.Equal(t, Row{"id": int64(1), "amount": "2.00", "note": "big toasted text"}, ev.Row)
	assert.Empty(t, ev.Unchanged)
}

func TestHandleRelations(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0)
	out := make(chan Message, 16)

	unmapped := &pglogrepl.RelationMessage{RelationID: 1, Namespace: "public", RelationName: "audit",
		Columns: []*pglogrepl.RelationMessageColumn{{Name: "id", DataType: pgtype.Int4OID}}}
	feed(t, c, st, out,
		unmapped,
		&pglogrepl.BeginMessage{FinalLSN: 0x2000},
		&pglogrepl.InsertMessage{RelationID: 1, Tuple: textTuple("1")},
	)
	assert.Empty(t, drain(out))

	err := c.handle(context.Background(), st, &pglogrepl.InsertMessage{RelationID: 99, Tuple: textTuple("1")}, 0, out)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReplication))
}

func TestHandleStopsOnCancelledContext(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0)
	out := make(chan Message)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.handle(ctx, st, ordersRelation(), 0, out))
	require.NoError(t, c.handle(ctx, st, &pglogrepl.BeginMessage{FinalLSN: 0x2000}, 0, out))
	err := c.handle(ctx, st, &pglogrepl.InsertMessage{RelationID: 16384, Tuple: textTuple("1", "1", "a")}, 0, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, st.tx.emitted)
}

func TestFlushPosition(t *testing.T) {
	c := newTestCapture(t)
	st := newStreamState(0x2000)
	st.serverEnd = 0x5000

	assert.Equal(t, LSN(0), c.flushPosition(st), "unacknowledged data holds the slot")

	c.Acknowledge(0x2000)
	assert.Equal(t, LSN(0x5000), c.flushPosition(st), "idle and fully acknowledged")

	st.inTx = true
	assert.Equal(t, LSN(0x2000), c.flushPosition(st))

	c.Acknowledge(0x1000)
	assert.Equal(t, "0/2000", c.Status().AckedLSN, "acknowledgements never regress")
}

func TestSnapshotSet(t *testing.T) {
	tables := []config.TableMapping{
		{SourceTable: "a", SyncMode: config.SyncModeCDC},
		{SourceTable: "b", SyncMode: config.SyncModeHybrid},
	}
	assert.Len(t, snapshotSet(config.StartupHybrid, tables), 2)

	cont := snapshotSet(config.StartupContinuous, tables)
	require.Len(t, cont, 1)
	assert.Equal(t, "b", cont[0].SourceTable)
}

func TestDecoderValues(t *testing.T) {
	d := newDecoder()

	cases := []struct {
		oid  uint32
		in   string
		want any
	}{
		{pgtype.Int4OID, "42", int64(42)},
		{pgtype.Int2OID, "-7", int64(-7)},
		{pgtype.BoolOID, "t", true},
		{pgtype.Float8OID, "1.25", 1.25},
		{pgtype.NumericOID, "12345678901234567890.01", "12345678901234567890.01"},
		{pgtype.UUIDOID, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{pgtype.ByteaOID, `\x0102`, []byte{1, 2}},
	}
	for _, tc := range cases {
		got, err := d.value(tc.oid, []byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	ts, err := d.value(pgtype.TimestamptzOID, []byte("2024-01-02 03:04:05+00"))
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(ts.(time.Time)))

	v, err := d.value(pgtype.Int4OID, nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = d.value(pgtype.Int4OID, []byte("not-a-number"))
	assert.Error(t, err)
}

func TestKeyOf(t *testing.T) {
	row := Row{"tenant": "acme", "id": int64(3), "gone": nil}

	key, ok := KeyOf(row, []string{"tenant", "id"})
	require.True(t, ok)
	assert.Equal(t, []any{"acme", int64(3)}, key)
	assert.Equal(t, "[acme 3]", KeyString(key))

	_, ok = KeyOf(row, []string{"gone"})
	assert.False(t, ok)
	_, ok = KeyOf(row, []string{"missing"})
	assert.False(t, ok)
}

func TestParseLSN(t *testing.T) {
	l, err := ParseLSN("16/B374D848")
	require.NoError(t, err)
	assert.Equal(t, "16/B374D848", l.String())

	zero, err := ParseLSN("")
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestQuoteQualified(t *testing.T) {
	assert.Equal(t, `"public"."Orders"`, quoteQualified("public.Orders"))
	assert.Equal(t, `"orders"`, quoteQualified("orders"))
}

func TestResolveMode(t *testing.T) {
	cases := []struct {
		name string
		opts StartOptions
		want string
	}{
		{"fresh start keeps configured mode", StartOptions{Mode: "latest"}, config.StartupContinuous},
		{"snapshot alias", StartOptions{Mode: "snapshot"}, config.StartupInitialSnapshot},
		{"completed snapshot resumes the log", StartOptions{Mode: config.StartupInitialSnapshot, ResumeLSN: 0x16B3748, SnapshotComplete: true}, config.StartupContinuous},
		{"snapshot-only checkpoint re-snapshots", StartOptions{Mode: config.StartupContinuous, SnapshotComplete: true}, config.StartupHybrid},
		{"snapshot-only checkpoint in snapshot mode", StartOptions{Mode: config.StartupInitialSnapshot, SnapshotComplete: true}, config.StartupHybrid},
		{"unfinished hybrid restarts hybrid", StartOptions{Mode: config.StartupHybrid, ResumeLSN: 0}, config.StartupHybrid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveMode(tc.opts))
		})
	}
}
