package checkpoint

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

const createTargetTable = "CREATE TABLE IF NOT EXISTS %s (\n" +
	"  `source_id` VARCHAR(255) NOT NULL,\n" +
	"  `sequence` BIGINT NOT NULL,\n" +
	"  `checkpoint_id` VARCHAR(64) NOT NULL,\n" +
	"  `lsn` VARCHAR(32) NOT NULL,\n" +
	"  `snapshot_complete` BOOLEAN NOT NULL,\n" +
	"  `tables` STRING,\n" +
	"  `created_at` DATETIME NOT NULL\n" +
	") PRIMARY KEY (`source_id`)\n" +
	"DISTRIBUTED BY HASH(`source_id`)"

// TargetStore keeps checkpoints in a StarRocks primary key table, one row
// per source, so they live next to the data they describe.
type TargetStore struct {
	pool   *clients.TargetPool
	table  string
	logger *zap.Logger
}

// NewTargetStore creates the checkpoint table when it does not exist.
func NewTargetStore(ctx context.Context, pool *clients.TargetPool, table string, logger *zap.Logger) (*TargetStore, error) {
	if table == "" {
		table = "starsync_checkpoints"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TargetStore{
		pool:   pool,
		table:  quoteTable(table),
		logger: logger.With(zap.String("component", "checkpoint_store"), zap.String("table", table)),
	}
	if _, err := pool.ExecContext(ctx, fmt.Sprintf(createTargetTable, s.table)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to create checkpoint table")
	}
	return s, nil
}

// Load implements Store.
func (s *TargetStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	rows, err := s.pool.QueryContext(ctx,
		"SELECT `checkpoint_id`, `sequence`, `lsn`, `snapshot_complete`, `tables`, `created_at` FROM "+s.table+" WHERE `source_id` = ?",
		sourceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to query checkpoint")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to read checkpoint")
		}
		return nil, nil
	}

	var (
		cp        = Checkpoint{SourceID: sourceID}
		lsn       string
		tables    sql.NullString
		createdAt time.Time
	)
	if err := rows.Scan(&cp.ID, &cp.Sequence, &lsn, &cp.SnapshotComplete, &tables, &createdAt); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to scan checkpoint")
	}
	if cp.LSN, err = cdc.ParseLSN(lsn); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt checkpoint position")
	}
	if tables.Valid && tables.String != "" {
		if err := json.Unmarshal([]byte(tables.String), &cp.Tables); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt checkpoint table state")
		}
	}
	cp.CreatedAt = createdAt.UTC()
	return &cp, nil
}

// Save implements Store. The primary key table turns the insert into an upsert.
func (s *TargetStore) Save(ctx context.Context, cp *Checkpoint) error {
	tables, err := json.Marshal(cp.Tables)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode checkpoint table state")
	}
	_, err = s.pool.ExecContext(ctx,
		"INSERT INTO "+s.table+" (`source_id`, `sequence`, `checkpoint_id`, `lsn`, `snapshot_complete`, `tables`, `created_at`) VALUES (?, ?, ?, ?, ?, ?, ?)",
		cp.SourceID, cp.Sequence, cp.ID, cp.LSN.String(), cp.SnapshotComplete, string(tables), cp.CreatedAt.UTC())
	if err != nil {
		if stderrors.Is(err, clients.ErrCircuitOpen) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to write checkpoint")
	}
	s.logger.Debug("checkpoint saved", zap.Int64("sequence", cp.Sequence), zap.Stringer("lsn", cp.LSN))
	return nil
}

func (s *TargetStore) Ping(ctx context.Context) error {
	rows, err := s.pool.QueryContext(ctx, "SELECT 1 FROM "+s.table+" LIMIT 1")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "checkpoint table unavailable")
	}
	return rows.Close()
}

// Close is a no-op; the pool is owned by the caller.
func (s *TargetStore) Close() error { return nil }

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}
