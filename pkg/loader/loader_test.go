package loader

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/compression"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

func upsert(id int64, row cdc.Row) Op {
	return Op{Kind: Upsert, Key: []any{id}, Row: row}
}

func TestCompact(t *testing.T) {
	events := []*cdc.ChangeEvent{
		{Operation: cdc.OperationInsert, Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1), "amount": "1", "note": "a"}},
		// unchanged TOAST column omitted
		{Operation: cdc.OperationUpdate, Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1), "amount": "2"}, Unchanged: []string{"note"}},
		{Operation: cdc.OperationInsert, Key: []any{int64(2)}, Row: cdc.Row{"id": int64(2), "amount": "5"}},
		{Operation: cdc.OperationDelete, OldKey: []any{int64(2)}, Row: cdc.Row{"id": int64(2)}},
		{Operation: cdc.OperationUpdate, OldKey: []any{int64(4)}, Key: []any{int64(3)}, Row: cdc.Row{"id": int64(3), "amount": "9"}},
	}

	ops := Compact(events, []string{"id"})
	require.Len(t, ops, 4)

	assert.Equal(t, Upsert, ops[0].Kind)
	assert.Equal(t, cdc.Row{"id": int64(1), "amount": "2", "note": "a"}, ops[0].Row)
	assert.False(t, ops[0].Partial, "earlier insert supplies the unchanged column")
	assert.Same(t, events[1], ops[0].Event)

	assert.Equal(t, Delete, ops[1].Kind)
	assert.Equal(t, []any{int64(2)}, ops[1].Key)
	assert.Equal(t, cdc.Row{"id": int64(2)}, ops[1].Row)

	assert.Equal(t, Delete, ops[2].Kind, "moved row deletes its old key")
	assert.Equal(t, []any{int64(4)}, ops[2].Key)

	assert.Equal(t, Upsert, ops[3].Kind)
	assert.Equal(t, []any{int64(3)}, ops[3].Key)
}

func TestUnchangedColumnsSurviveLaterBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryTarget()
	keys := []string{"id"}

	first := Compact([]*cdc.ChangeEvent{
		{Operation: cdc.OperationInsert, Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1), "amount": "1.00", "note": "big toasted text"}},
	}, keys)
	_, err := m.Apply(ctx, &Batch{ID: "b1", Table: "t", KeyColumns: keys, Ops: first})
	require.NoError(t, err)

	second := Compact([]*cdc.ChangeEvent{
		{Operation: cdc.OperationUpdate, Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1), "amount": "2.00"}, Unchanged: []string{"note"}},
	}, keys)
	require.Len(t, second, 1)
	assert.True(t, second[0].Partial)
	_, err = m.Apply(ctx, &Batch{ID: "b2", Table: "t", KeyColumns: keys, Ops: second})
	require.NoError(t, err)

	assert.Equal(t, cdc.Row{"id": int64(1), "amount": "2.00", "note": "big toasted text"}, m.Rows("t")["1"])

	// a full upsert replaces the row, as a primary key table does
	_, err = m.Apply(ctx, &Batch{ID: "b3", Table: "t", KeyColumns: keys, Ops: []Op{upsert(1, cdc.Row{"id": int64(1), "amount": "3.00"})}})
	require.NoError(t, err)
	assert.Equal(t, cdc.Row{"id": int64(1), "amount": "3.00"}, m.Rows("t")["1"])
}

func TestCompactMovedRowIsNeverPartial(t *testing.T) {
	ops := Compact([]*cdc.ChangeEvent{
		{Operation: cdc.OperationUpdate, OldKey: []any{int64(1)}, Key: []any{int64(2)}, Row: cdc.Row{"id": int64(2), "amount": "2.00"}, Unchanged: []string{"note"}},
	}, []string{"id"})
	require.Len(t, ops, 2)
	assert.Equal(t, Delete, ops[0].Kind)
	assert.False(t, ops[1].Partial)
}

func TestCompactDeleteThenReinsert(t *testing.T) {
	events := []*cdc.ChangeEvent{
		{Operation: cdc.OperationDelete, OldKey: []any{int64(7)}, Row: cdc.Row{"id": int64(7)}},
		{Operation: cdc.OperationInsert, Key: []any{int64(7)}, Row: cdc.Row{"id": int64(7), "amount": "3"}},
	}
	ops := Compact(events, []string{"id"})
	require.Len(t, ops, 1)
	assert.Equal(t, Upsert, ops[0].Kind)
	assert.Equal(t, "3", ops[0].Row["amount"])
}

func TestSplitGroupsByColumns(t *testing.T) {
	ops := []Op{
		upsert(1, cdc.Row{"id": 1, "a": 1}),
		{Kind: Delete, Key: []any{int64(9)}, Row: cdc.Row{"id": 9}},
		upsert(2, cdc.Row{"id": 2, "a": 1, "b": 2}),
		upsert(3, cdc.Row{"a": 3, "id": 3}),
	}
	deletes, upserts := split(ops)
	require.Len(t, deletes, 1)
	require.Len(t, upserts, 2)
	assert.Len(t, upserts[0], 2)
	assert.Len(t, upserts[1], 1)

	assert.Len(t, chunks(make([]Op, 5), 2), 3)
	assert.Len(t, chunks(make([]Op, 2), 0), 1)
}

func TestBisectIsolatesBadRows(t *testing.T) {
	var ops []Op
	for i := int64(1); i <= 8; i++ {
		ops = append(ops, upsert(i, cdc.Row{"id": i}))
	}
	bad := map[string]bool{"3": true, "6": true}

	calls := 0
	applied, rejected, err := bisect(context.Background(), ops, func(_ context.Context, ops []Op) error {
		calls++
		for _, op := range ops {
			if bad[cdc.KeyString(op.Key)] {
				return errors.New(errors.ErrorTypeData, "value out of range")
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, applied)
	require.Len(t, rejected, 2)
	assert.Equal(t, []any{int64(3)}, rejected[0].Op.Key)
	assert.Equal(t, []any{int64(6)}, rejected[1].Op.Key)
	assert.Less(t, calls, 16)

	applied, rejected, err = bisect(context.Background(), ops, func(context.Context, []Op) error {
		return errors.New(errors.ErrorTypeConnection, "connection reset")
	})
	assert.Error(t, err)
	assert.Zero(t, applied)
	assert.Empty(t, rejected)
}

func TestCoercer(t *testing.T) {
	c, err := NewCoercer(map[string]string{
		"big":    "BIGINT",
		"tiny":   "TINYINT",
		"int":    "INT",
		"large":  "LARGEINT",
		"price":  "DECIMAL(5,2)",
		"whole":  "DECIMAL",
		"code":   "VARCHAR(2)",
		"active": "BOOLEAN",
		"day":    "DATE",
		"at":     "DATETIME",
		"doc":    "JSON",
		"ratio":  "FLOAT",
	})
	require.NoError(t, err)

	ok := []struct {
		col  string
		in   any
		want any
	}{
		{"big", "42", int64(42)},
		{"big", "12.0", int64(12)},
		{"tiny", int64(-128), int64(-128)},
		{"large", "170141183460469231731687303715884105727", "170141183460469231731687303715884105727"},
		{"price", "123.456", "123.46"},
		{"price", "0.005", "0.01"},
		{"price", int64(7), "7.00"},
		{"whole", "12.5", "13"},
		{"code", "é", "é"},
		{"active", "t", true},
		{"day", "2024-03-01 10:00:00", "2024-03-01"},
		{"at", time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC), "2024-03-01 10:00:00.123456"},
		{"at", "2024-03-01T10:00:00+02:00", "2024-03-01 08:00:00"},
		{"doc", `{"a":1}`, `{"a":1}`},
		{"doc", map[string]any{"a": 1}, `{"a":1}`},
		{"untyped", []byte("raw"), "raw"},
		{"int", nil, nil},
	}
	for _, tc := range ok {
		t.Run(fmt.Sprintf("%s/%v", tc.col, tc.in), func(t *testing.T) {
			got, err := c.Value(tc.col, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	bad := []struct {
		col string
		in  any
	}{
		{"tiny", int64(300)},
		{"int", "2147483648"},
		{"big", "abc"},
		{"large", "170141183460469231731687303715884105728"},
		{"price", "1234.5"},
		{"price", "999.995"},
		{"code", "abc"},
		{"code", "éé"},
		{"active", "maybe"},
		{"day", "yesterday"},
		{"doc", "{a}"},
		{"ratio", "1e40"},
	}
	for _, tc := range bad {
		t.Run(fmt.Sprintf("reject %s/%v", tc.col, tc.in), func(t *testing.T) {
			_, err := c.Value(tc.col, tc.in)
			assert.Error(t, err)
		})
	}

	_, err = c.Row(cdc.Row{"big": int64(1), "tiny": "1000"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Equal(t, supervisor.ClassData, supervisor.Classify(err))

	_, err = NewCoercer(map[string]string{"x": "BLOB"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func newMockPool(t *testing.T) (*clients.TargetPool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return clients.NewTargetPoolFromDB(db, 2, time.Second, zaptest.NewLogger(t)), mock
}

func TestSQLTargetApply(t *testing.T) {
	pool, mock := newMockPool(t)
	target := NewSQLTarget(pool, "analytics", 100, zaptest.NewLogger(t))

	batch := &Batch{
		ID:         "b1",
		Table:      "orders",
		KeyColumns: []string{"id"},
		Ops: []Op{
			upsert(1, cdc.Row{"id": int64(1), "amount": "1.00"}),
			{Kind: Delete, Key: []any{int64(5)}, Row: cdc.Row{"id": int64(5)}},
			upsert(2, cdc.Row{"id": int64(2), "amount": "2.00"}),
			upsert(3, cdc.Row{"id": int64(3), "amount": "3.00", "note": "x"}),
		},
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `analytics`.`orders` WHERE `id` IN (?)")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`orders` (`amount`, `id`) VALUES (?, ?), (?, ?)")).
		WithArgs("1.00", int64(1), "2.00", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`orders` (`amount`, `id`, `note`) VALUES (?, ?, ?)")).
		WithArgs("3.00", int64(3), "x").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := target.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Upserted)
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, res.Rejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTargetPartialUpsertUpdatesColumns(t *testing.T) {
	pool, mock := newMockPool(t)
	target := NewSQLTarget(pool, "analytics", 100, zaptest.NewLogger(t))

	batch := &Batch{
		ID:         "b1",
		Table:      "orders",
		KeyColumns: []string{"id"},
		Ops: []Op{
			upsert(1, cdc.Row{"id": int64(1), "amount": "1.00", "note": "x"}),
			{Kind: Upsert, Key: []any{int64(2)}, Row: cdc.Row{"id": int64(2), "amount": "2.00"}, Partial: true},
			{Kind: Upsert, Key: []any{int64(3)}, Row: cdc.Row{"id": int64(3), "amount": "3.00"}, Partial: true},
		},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `analytics`.`orders` (`amount`, `id`, `note`) VALUES (?, ?, ?)")).
		WithArgs("1.00", int64(1), "x").
		WillReturnResult(sqlmock.NewResult(0, 1))
	update := regexp.QuoteMeta("UPDATE `analytics`.`orders` SET `amount` = ? WHERE `id` = ?")
	mock.ExpectExec(update).WithArgs("2.00", int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs("3.00", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := target.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Upserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatementCompositeKey(t *testing.T) {
	op := Op{Kind: Upsert, Key: []any{int64(1), "eu"}, Row: cdc.Row{"id": int64(1), "region": "eu", "amount": "2.00"}, Partial: true}
	query, args := updateStatement("`t`", []string{"id", "region"}, []string{"amount", "id", "region"}, op)
	assert.Equal(t, "UPDATE `t` SET `amount` = ? WHERE `id` = ? AND `region` = ?", query)
	assert.Equal(t, []any{"2.00", int64(1), "eu"}, args)

	query, _ = updateStatement("`t`", []string{"id"}, []string{"id"}, Op{Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1)}})
	assert.Empty(t, query)
}

func TestSQLTargetRejectsBadRow(t *testing.T) {
	pool, mock := newMockPool(t)
	target := NewSQLTarget(pool, "analytics", 100, zaptest.NewLogger(t))
	outOfRange := &mysql.MySQLError{Number: 1264, Message: "Out of range value for column 'age'"}

	insert := regexp.QuoteMeta("INSERT INTO `analytics`.`users`")
	mock.ExpectExec(insert).WithArgs(int64(20), int64(1), int64(300), int64(2)).WillReturnError(outOfRange)
	mock.ExpectExec(insert).WithArgs(int64(20), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs(int64(300), int64(2)).WillReturnError(outOfRange)

	res, err := target.Apply(context.Background(), &Batch{
		ID:         "b2",
		Table:      "users",
		KeyColumns: []string{"id"},
		Ops: []Op{
			upsert(1, cdc.Row{"id": int64(1), "age": int64(20)}),
			upsert(2, cdc.Row{"id": int64(2), "age": int64(300)}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, []any{int64(2)}, res.Rejected[0].Op.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTargetTransientFailure(t *testing.T) {
	pool, mock := newMockPool(t)
	target := NewSQLTarget(pool, "analytics", 100, zaptest.NewLogger(t))

	mock.ExpectExec("INSERT INTO").WillReturnError(sql.ErrConnDone)
	_, err := target.Apply(context.Background(), &Batch{
		ID: "b3", Table: "users", KeyColumns: []string{"id"},
		Ops: []Op{upsert(1, cdc.Row{"id": int64(1)})},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteStatementCompositeKey(t *testing.T) {
	query, args := deleteStatement("`t`", []string{"tenant", "id"}, []Op{
		{Kind: Delete, Key: []any{"acme", int64(1)}},
		{Kind: Delete, Key: []any{"acme", int64(2)}},
	})
	assert.Equal(t, "DELETE FROM `t` WHERE (`tenant` = ? AND `id` = ?) OR (`tenant` = ? AND `id` = ?)", query)
	assert.Equal(t, []any{"acme", int64(1), "acme", int64(2)}, args)

	assert.Equal(t, "`db`.`t`", quoteTable("other", "db.t"))
	assert.Equal(t, "`we``ird`", quoteTable("", "we`ird"))
}

type loadRequest struct {
	label   string
	columns string
	partial string
	rows    []map[string]any
}

type fakeFrontend struct {
	mu       sync.Mutex
	requests []loadRequest
	respond  func(req loadRequest) StreamLoadResponse
}

func (f *fakeFrontend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "root" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/api/analytics/orders/_stream_load", r.URL.Path)
		assert.Equal(t, "json", r.Header.Get("format"))
		assert.Equal(t, "true", r.Header.Get("strip_outer_array"))

		body := r.Body
		if r.Header.Get("compression") == "zstd" {
			rc, err := compression.NewReader(r.Body, compression.Zstd)
			require.NoError(t, err)
			defer rc.Close()
			body = rc
		}
		var rows []map[string]any
		require.NoError(t, json.NewDecoder(body).Decode(&rows))

		req := loadRequest{label: r.Header.Get("label"), columns: r.Header.Get("columns"), partial: r.Header.Get("partial_update"), rows: rows}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		resp := StreamLoadResponse{Label: req.label, Status: statusSuccess, NumberLoadedRows: int64(len(rows))}
		if f.respond != nil {
			resp = f.respond(req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func streamTarget(t *testing.T, url string, alg compression.Algorithm) *StreamLoadTarget {
	cfg := config.TargetConfig{
		Database:          "analytics",
		Username:          "root",
		Password:          "secret",
		PoolSize:          2,
		ConnectionTimeout: time.Second,
		LoadTimeout:       30 * time.Second,
	}
	return newStreamLoadTarget(url, cfg, alg, zaptest.NewLogger(t))
}

func TestStreamLoadApply(t *testing.T) {
	fe := &fakeFrontend{}
	backend := httptest.NewServer(fe.handler(t))
	defer backend.Close()
	// the frontend redirects every load to a backend
	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, backend.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer frontend.Close()

	target := streamTarget(t, frontend.URL, compression.Zstd)
	batch := &Batch{
		ID:         "b1",
		Table:      "orders",
		KeyColumns: []string{"id"},
		Ops: []Op{
			upsert(1, cdc.Row{"id": int64(1), "amount": "1.00"}),
			{Kind: Delete, Key: []any{int64(5)}, Row: cdc.Row{"id": int64(5)}},
		},
	}
	res, err := target.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 1, res.Deleted)

	require.Len(t, fe.requests, 2)
	del, up := fe.requests[0], fe.requests[1]
	assert.Equal(t, "`id`,__op", del.columns)
	assert.Equal(t, float64(1), del.rows[0][opColumn])
	assert.Equal(t, "`amount`,`id`,__op", up.columns)
	assert.Equal(t, float64(0), up.rows[0][opColumn])
	assert.Equal(t, "1.00", up.rows[0]["amount"])
	assert.NotEqual(t, del.label, up.label)

	// the same ops of the same batch always carry the same label
	assert.Equal(t, up.label, Label(batch, batch.Ops[:1]))
}

func TestStreamLoadPartialUpsert(t *testing.T) {
	fe := &fakeFrontend{}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	target := streamTarget(t, srv.URL, compression.None)
	_, err := target.Apply(context.Background(), &Batch{
		ID:         "b1",
		Table:      "orders",
		KeyColumns: []string{"id"},
		Ops: []Op{
			{Kind: Upsert, Key: []any{int64(1)}, Row: cdc.Row{"id": int64(1), "amount": "2.00"}, Partial: true},
		},
	})
	require.NoError(t, err)

	require.Len(t, fe.requests, 1)
	req := fe.requests[0]
	assert.Equal(t, "true", req.partial)
	assert.Equal(t, "`amount`,`id`", req.columns)
	assert.NotContains(t, req.rows[0], opColumn)
}

func TestStreamLoadIsolatesFilteredRows(t *testing.T) {
	fe := &fakeFrontend{respond: func(req loadRequest) StreamLoadResponse {
		for _, row := range req.rows {
			if row["id"] == float64(2) {
				return StreamLoadResponse{
					Label:              req.label,
					Status:             statusFail,
					Message:            "too many filtered rows",
					NumberFilteredRows: 1,
					ErrorURL:           "http://be:8040/api/_load_error_log?file=x",
				}
			}
		}
		return StreamLoadResponse{Label: req.label, Status: statusSuccess}
	}}
	srv := httptest.NewServer(fe.handler(t))
	defer srv.Close()

	res, err := streamTarget(t, srv.URL, compression.None).Apply(context.Background(), &Batch{
		ID: "b2", Table: "orders", KeyColumns: []string{"id"},
		Ops: []Op{
			upsert(1, cdc.Row{"id": int64(1)}),
			upsert(2, cdc.Row{"id": int64(2)}),
			upsert(3, cdc.Row{"id": int64(3)}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, []any{int64(2)}, res.Rejected[0].Op.Key)
	assert.True(t, errors.IsType(res.Rejected[0].Err, errors.ErrorTypeData))
}

func TestStreamLoadStatuses(t *testing.T) {
	cases := []struct {
		name  string
		resp  StreamLoadResponse
		class supervisor.Class
	}{
		{"success", StreamLoadResponse{Status: statusSuccess}, ""},
		{"publish timeout", StreamLoadResponse{Status: statusPublishTimeout}, ""},
		{"label finished", StreamLoadResponse{Status: statusLabelExists, ExistingJobStatus: "FINISHED"}, ""},
		{"label running", StreamLoadResponse{Status: statusLabelExists, ExistingJobStatus: "RUNNING"}, supervisor.ClassTransient},
		{"filtered", StreamLoadResponse{Status: statusFail, ErrorURL: "http://x"}, supervisor.ClassData},
		{"fail", StreamLoadResponse{Status: statusFail, Message: "tablet writer failed"}, supervisor.ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkResponse(&tc.resp)
			if tc.class == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tc.class, supervisor.Classify(err))
		})
	}

	assert.Nil(t, httpError(http.StatusOK, nil))
	assert.Equal(t, supervisor.ClassTransient, supervisor.Classify(httpError(http.StatusBadGateway, nil)))
	assert.Equal(t, supervisor.ClassFatal, supervisor.Classify(httpError(http.StatusUnauthorized, nil)))
}

func TestStreamLoadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := streamTarget(t, srv.URL, compression.None).Apply(context.Background(), &Batch{
		ID: "b3", Table: "orders", KeyColumns: []string{"id"},
		Ops: []Op{upsert(1, cdc.Row{"id": int64(1)})},
	})
	require.Error(t, err)
	assert.Equal(t, supervisor.ClassTransient, supervisor.Classify(err))
}

func TestMemoryTarget(t *testing.T) {
	m := NewMemoryTarget()
	m.RejectIf = func(_ string, op Op) error {
		if op.Row["age"] == int64(300) {
			return errors.New(errors.ErrorTypeData, "out of range")
		}
		return nil
	}
	ctx := context.Background()
	b := &Batch{ID: "b1", Table: "users", KeyColumns: []string{"id"}, Ops: []Op{
		upsert(1, cdc.Row{"id": int64(1), "age": int64(20)}),
		upsert(2, cdc.Row{"id": int64(2), "age": int64(300)}),
	}}

	m.FailNext(1, errors.New(errors.ErrorTypeConnection, "unavailable"))
	_, err := m.Apply(ctx, b)
	require.Error(t, err)
	assert.Empty(t, m.Rows("users"))

	res, err := m.Apply(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied())
	assert.Len(t, res.Rejected, 1)

	// re-applying is a no-op
	_, err = m.Apply(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, map[string]cdc.Row{"1": {"id": int64(1), "age": int64(20)}}, m.Rows("users"))
	assert.Equal(t, []string{"b1", "b1"}, m.Batches())
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := New(config.TargetConfig{LoadMethod: MethodSQL}, nil, logger)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	target, err := New(config.TargetConfig{LoadMethod: MethodStreamLoad, Host: "fe", HTTPPort: 8030, Compression: "lz4"}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &StreamLoadTarget{}, target)

	_, err = New(config.TargetConfig{LoadMethod: MethodStreamLoad, Compression: "snappy"}, nil, logger)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(config.TargetConfig{LoadMethod: "broker"}, nil, logger)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
