package cdc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

const defaultChunkSize = 10000

// snapshot reads tables inside one REPEATABLE READ transaction, optionally
// pinned to an exported replication snapshot, emitting one synthetic
// insert per row.
func (c *PostgresCapture) snapshot(ctx context.Context, tables []config.TableMapping, snapshotName string, out chan<- Message) error {
	return c.pool.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return c.readConsistent(ctx, conn, snapshotName, tables, out)
	})
}

func (c *PostgresCapture) readConsistent(ctx context.Context, conn *pgxpool.Conn, snapshotName string, tables []config.TableMapping, out chan<- Message) error {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return wrapReplication(err, "failed to begin snapshot transaction")
	}
	defer tx.Rollback(context.Background())

	if snapshotName != "" {
		if _, err := tx.Exec(ctx, "SET TRANSACTION SNAPSHOT '"+strings.ReplaceAll(snapshotName, "'", "''")+"'"); err != nil {
			return wrapReplication(err, "failed to import exported snapshot")
		}
	}

	started := time.Now()
	for _, t := range tables {
		table := t.QualifiedSource(c.source.Schema)
		tableStart := time.Now()
		n, err := c.readTable(ctx, tx, t, func(row Row, key []any) error {
			ev := &ChangeEvent{
				Table:      table,
				Operation:  OperationInsert,
				Key:        key,
				Row:        row,
				CommitTime: started,
				Snapshot:   true,
			}
			if err := Emit(ctx, out, Message{Event: ev}); err != nil {
				return err
			}
			c.events.Add(1)
			c.touch()
			return nil
		})
		if err != nil {
			return err
		}
		c.logger.Info("table read",
			zap.String("table", table),
			zap.Int64("rows", n),
			zap.Bool("exported_snapshot", snapshotName != ""),
			zap.Duration("duration", time.Since(tableStart)))
	}
	return tx.Commit(ctx)
}

type column struct {
	name string
	typ  string
}

func (c *PostgresCapture) tableColumns(ctx context.Context, tx pgx.Tx, table string) ([]column, error) {
	rows, err := tx.Query(ctx,
		`SELECT a.attname, format_type(a.atttypid, a.atttypmod)
		   FROM pg_attribute a
		  WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
		  ORDER BY a.attnum`, quoteQualified(table))
	if err != nil {
		return nil, wrapReplication(err, "failed to read columns of "+table)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var col column
		if err := rows.Scan(&col.name, &col.typ); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan column")
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// readTable pages through a table by primary key and calls emit per row.
func (c *PostgresCapture) readTable(ctx context.Context, tx pgx.Tx, t config.TableMapping, emit func(Row, []any) error) (int64, error) {
	table := t.QualifiedSource(c.source.Schema)
	cols, err := c.tableColumns(ctx, tx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, errors.Newf(errors.ErrorTypeConfig, "source table %s not found or has no columns", table)
	}

	types := make(map[string]string, len(cols))
	selectList := make([]string, len(cols))
	for i, col := range cols {
		types[col.name] = col.typ
		selectList[i] = pgx.Identifier{col.name}.Sanitize()
	}

	keyCols := t.KeyColumns()
	keyList := make([]string, len(keyCols))
	bounds := make([]string, len(keyCols))
	for i, k := range keyCols {
		typ, ok := types[k]
		if !ok {
			return 0, errors.Newf(errors.ErrorTypeConfig, "primary key column %q not found in %s", k, table)
		}
		keyList[i] = pgx.Identifier{k}.Sanitize()
		bounds[i] = fmt.Sprintf("$%d::text::%s", i+1, typ)
	}

	chunk := c.cdc.SnapshotChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	base := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectList, ", "), quoteQualified(table))
	order := fmt.Sprintf(" ORDER BY %s LIMIT %d", strings.Join(keyList, ", "), chunk)
	after := fmt.Sprintf(" WHERE (%s) > (%s)", strings.Join(keyList, ", "), strings.Join(bounds, ", "))

	var (
		total  int64
		cursor []any
	)
	for {
		query := base + order
		args := []any{pgx.QueryResultFormats{pgx.TextFormatCode}}
		if cursor != nil {
			query = base + after + order
			args = append(args, cursor...)
		}

		n, last, err := c.readChunk(ctx, tx, query, args, keyCols, emit)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(chunk) {
			return total, nil
		}
		cursor = last
	}
}

func (c *PostgresCapture) readChunk(ctx context.Context, tx pgx.Tx, query string, args []any, keyCols []string, emit func(Row, []any) error) (int64, []any, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, wrapReplication(err, "snapshot query failed")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	keyIdx := make([]int, len(keyCols))
	for i, k := range keyCols {
		for j, f := range fields {
			if f.Name == k {
				keyIdx[i] = j
			}
		}
	}

	var (
		n    int64
		last []any
	)
	for rows.Next() {
		raw := rows.RawValues()
		row := make(Row, len(fields))
		for i, f := range fields {
			v, err := c.dec.value(f.DataTypeOID, raw[i])
			if err != nil {
				return n, nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode snapshot row")
			}
			row[f.Name] = v
		}
		key, _ := KeyOf(row, keyCols)

		last = make([]any, len(keyIdx))
		for i, idx := range keyIdx {
			last[i] = string(raw[idx])
		}
		if err := emit(row, key); err != nil {
			return n, nil, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, nil, wrapReplication(err, "snapshot read failed")
	}
	return n, last, nil
}

// batchPoller re-reads sync_mode batch tables every sync_interval and emits
// their rows as upserts. Deletes are not tracked for these tables.
type batchPoller struct {
	capture *PostgresCapture
	tables  []config.TableMapping
}

func newBatchPoller(c *PostgresCapture, tables []config.TableMapping) *batchPoller {
	return &batchPoller{capture: c, tables: tables}
}

// Run polls every table until ctx is done or a fatal error occurs.
func (p *batchPoller) Run(ctx context.Context, out chan<- Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.tables {
		t := t
		g.Go(func() error { return p.loop(gctx, t, out) })
	}
	return g.Wait()
}

func (p *batchPoller) loop(ctx context.Context, t config.TableMapping, out chan<- Message) error {
	interval := t.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := p.capture.logger.With(zap.String("table", t.SourceTable))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		start := time.Now()
		err := p.capture.supervisor.Do(ctx, supervisor.ErrorContext{Operation: "batch_poll", Table: t.SourceTable},
			func(ctx context.Context) error {
				return p.capture.pool.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
					return p.capture.readConsistent(ctx, conn, "", []config.TableMapping{t}, out)
				})
			})
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && supervisor.Classify(err) == supervisor.ClassFatal:
			return err
		case err != nil:
			logger.Warn("batch poll failed, retrying next interval", zap.Error(err))
		default:
			logger.Debug("batch poll completed", zap.Duration("duration", time.Since(start)))
		}
		timer.Reset(interval)
	}
}
