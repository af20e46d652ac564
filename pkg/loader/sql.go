package loader

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

const defaultBatchRows = 1000

// SQLTarget writes batches with multi-row INSERT and DELETE statements over
// the MySQL protocol. StarRocks primary key tables turn an INSERT of an
// existing key into a full-row replace, so partial upserts are written as
// UPDATE statements instead.
type SQLTarget struct {
	pool      *clients.TargetPool
	database  string
	batchRows int
	logger    *zap.Logger
}

// NewSQLTarget creates a target on pool. Unqualified table names resolve
// against database.
func NewSQLTarget(pool *clients.TargetPool, database string, batchRows int, logger *zap.Logger) *SQLTarget {
	if batchRows <= 0 {
		batchRows = defaultBatchRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLTarget{
		pool:      pool,
		database:  database,
		batchRows: batchRows,
		logger:    logger.With(zap.String("component", "sql_loader")),
	}
}

// Apply implements Target.
func (t *SQLTarget) Apply(ctx context.Context, b *Batch) (Result, error) {
	var res Result
	if err := checkBatch(b); err != nil {
		return res, err
	}
	table := quoteTable(t.database, b.Table)
	deletes, upserts := split(b.Ops)

	for _, chunk := range chunks(deletes, t.batchRows) {
		n, rejected, err := bisect(ctx, chunk, func(ctx context.Context, ops []Op) error {
			query, args := deleteStatement(table, b.KeyColumns, ops)
			_, err := t.pool.ExecContext(ctx, query, args...)
			return err
		})
		res.Deleted += n
		res.Rejected = append(res.Rejected, rejected...)
		if err != nil {
			return res, err
		}
	}

	for _, group := range upserts {
		cols := columnsOf(group[0].Row)
		write := func(ctx context.Context, ops []Op) error {
			query, args := insertStatement(table, cols, ops)
			_, err := t.pool.ExecContext(ctx, query, args...)
			return err
		}
		if group[0].Partial {
			write = func(ctx context.Context, ops []Op) error {
				for _, op := range ops {
					query, args := updateStatement(table, b.KeyColumns, cols, op)
					if query == "" {
						continue
					}
					if _, err := t.pool.ExecContext(ctx, query, args...); err != nil {
						return err
					}
				}
				return nil
			}
		}
		for _, chunk := range chunks(group, t.batchRows) {
			n, rejected, err := bisect(ctx, chunk, write)
			res.Upserted += n
			res.Rejected = append(res.Rejected, rejected...)
			if err != nil {
				return res, err
			}
		}
	}

	t.logger.Debug("applied batch",
		zap.String("batch_id", b.ID),
		zap.String("table", b.Table),
		zap.Int("upserted", res.Upserted),
		zap.Int("deleted", res.Deleted),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}

// Ping implements Target.
func (t *SQLTarget) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// Close implements Target. The pool is owned by the caller.
func (t *SQLTarget) Close() error { return nil }

func insertStatement(table string, cols []string, ops []Op) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(") VALUES ")

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	args := make([]any, 0, len(cols)*len(ops))
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		for _, c := range cols {
			args = append(args, op.Row[c])
		}
	}
	return sb.String(), args
}

// updateStatement writes the non-key columns of a partial upsert. It
// returns an empty query when op carries no non-key column.
func updateStatement(table string, keyCols, cols []string, op Op) (string, []any) {
	isKey := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = true
	}
	var set []string
	args := make([]any, 0, len(cols)+len(keyCols))
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		set = append(set, quoteIdent(c)+" = ?")
		args = append(args, op.Row[c])
	}
	if len(set) == 0 {
		return "", nil
	}
	where := make([]string, len(keyCols))
	for i, k := range keyCols {
		where[i] = quoteIdent(k) + " = ?"
		args = append(args, op.Key[i])
	}
	return "UPDATE " + table + " SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

// deleteStatement uses IN for single-column keys and an OR of conjunctions
// for composite keys, which StarRocks can prune on the key columns.
func deleteStatement(table string, keyCols []string, ops []Op) (string, []any) {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE ")

	args := make([]any, 0, len(keyCols)*len(ops))
	if len(keyCols) == 1 {
		sb.WriteString(quoteIdent(keyCols[0]))
		sb.WriteString(" IN (")
		sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(ops)), ", "))
		sb.WriteString(")")
		for _, op := range ops {
			args = append(args, op.Key[0])
		}
		return sb.String(), args
	}

	conj := make([]string, len(keyCols))
	for i, c := range keyCols {
		conj[i] = quoteIdent(c) + " = ?"
	}
	term := "(" + strings.Join(conj, " AND ") + ")"
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString(term)
		args = append(args, op.Key...)
	}
	return sb.String(), args
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// quoteTable quotes table, qualifying it with database when it has no
// database part.
func quoteTable(database, table string) string {
	db, name, ok := strings.Cut(table, ".")
	if !ok {
		db, name = database, table
	}
	if db == "" {
		return quoteIdent(name)
	}
	return quoteIdent(db) + "." + quoteIdent(name)
}

func splitTable(database, table string) (string, string) {
	if db, name, ok := strings.Cut(table, "."); ok {
		return db, name
	}
	return database, table
}

func checkBatch(b *Batch) error {
	if b == nil || b.Table == "" {
		return errors.New(errors.ErrorTypeInternal, "batch has no target table")
	}
	if len(b.KeyColumns) == 0 {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("table %s has no primary key columns", b.Table))
	}
	return nil
}
