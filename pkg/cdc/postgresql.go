package cdc

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// Engine states reported by Status.
const (
	StateCreated      = "created"
	StateSnapshotting = "snapshotting"
	StateStreaming    = "streaming"
	StateReconnecting = "reconnecting"
	StateCompleted    = "completed"
	StateStopped      = "stopped"
	StateFailed       = "failed"
)

const outputPlugin = "pgoutput"

// PostgresCapture captures changes from PostgreSQL through a pgoutput
// logical replication slot, with optional consistent snapshots and polling
// for batch tables.
type PostgresCapture struct {
	source config.SourceConfig
	cdc    config.CDCConfig
	tables []config.TableMapping
	// byTable maps schema.table to its mapping
	byTable map[string]config.TableMapping

	pool       *clients.SourcePool
	supervisor *supervisor.Supervisor
	logger     *zap.Logger
	dec        *decoder

	ack        atomic.Uint64
	events     atomic.Int64
	txns       atomic.Int64
	reconnects atomic.Int64
	received   atomic.Uint64

	mu     sync.RWMutex
	status Status
}

// NewPostgresCapture creates a capture engine for the enabled tables of cfg.
func NewPostgresCapture(cfg *config.Config, pool *clients.SourcePool, sup *supervisor.Supervisor, logger *zap.Logger) *PostgresCapture {
	tables := cfg.EnabledTables()
	byTable := make(map[string]config.TableMapping, len(tables))
	for _, t := range tables {
		byTable[t.QualifiedSource(cfg.Source.Schema)] = t
	}
	return &PostgresCapture{
		source:     cfg.Source,
		cdc:        cfg.CDC,
		tables:     tables,
		byTable:    byTable,
		pool:       pool,
		supervisor: sup,
		logger:     logger.With(zap.String("component", "capture"), zap.String("slot", cfg.Source.SlotName)),
		dec:        newDecoder(),
		status:     Status{State: StateCreated, SlotName: cfg.Source.SlotName},
	}
}

// Acknowledge implements Source. Positions never move backwards.
func (c *PostgresCapture) Acknowledge(lsn LSN) {
	for {
		cur := c.ack.Load()
		if uint64(lsn) <= cur || c.ack.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// Status implements Source.
func (c *PostgresCapture) Status() Status {
	c.mu.RLock()
	s := c.status
	c.mu.RUnlock()
	s.ReceivedLSN = LSN(c.received.Load()).String()
	s.AckedLSN = LSN(c.ack.Load()).String()
	s.EventsEmitted = c.events.Load()
	s.Transactions = c.txns.Load()
	s.Reconnects = c.reconnects.Load()
	return s
}

func (c *PostgresCapture) setState(state string) {
	c.mu.Lock()
	c.status.State = state
	c.mu.Unlock()
	c.logger.Debug("capture state changed", zap.String("state", state))
}

func (c *PostgresCapture) fail(err error) error {
	c.mu.Lock()
	c.status.State = StateFailed
	c.status.LastError = err.Error()
	c.mu.Unlock()
	return err
}

func (c *PostgresCapture) touch() {
	c.mu.Lock()
	c.status.LastEventTime = time.Now()
	c.mu.Unlock()
}

// StartCapture implements Source.
func (c *PostgresCapture) StartCapture(ctx context.Context, opts StartOptions, out chan<- Message) error {
	mode := resolveMode(opts)
	if opts.SnapshotComplete && opts.ResumeLSN == 0 {
		c.logger.Warn("checkpoint has a completed snapshot but no log position, re-snapshotting under a new slot",
			zap.String("configured_mode", opts.Mode))
	}
	c.Acknowledge(opts.ResumeLSN)

	c.mu.Lock()
	c.status.Mode = mode
	c.mu.Unlock()

	c.logger.Info("starting capture",
		zap.String("mode", mode),
		zap.Stringer("resume_lsn", opts.ResumeLSN),
		zap.Bool("snapshot_complete", opts.SnapshotComplete),
		zap.Int("tables", len(c.tables)))

	if mode == config.StartupInitialSnapshot {
		return c.runSnapshotOnly(ctx, out)
	}

	var logTables, batchTables []config.TableMapping
	for _, t := range c.tables {
		if t.UsesLog() {
			logTables = append(logTables, t)
		} else {
			batchTables = append(batchTables, t)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(batchTables) > 0 {
		poller := newBatchPoller(c, batchTables)
		g.Go(func() error { return poller.Run(gctx, out) })
	}
	if len(logTables) > 0 {
		g.Go(func() error { return c.stream(gctx, mode, opts, logTables, out) })
	}
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return c.fail(err)
	}
	c.setState(StateStopped)
	return nil
}

func (c *PostgresCapture) runSnapshotOnly(ctx context.Context, out chan<- Message) error {
	c.setState(StateSnapshotting)
	if err := c.snapshot(ctx, c.tables, "", out); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return c.fail(err)
	}
	if err := Emit(ctx, out, Message{Watermark: &Watermark{CommitTime: time.Now(), SnapshotComplete: true}}); err != nil {
		return nil
	}
	c.setState(StateCompleted)
	c.logger.Info("snapshot completed", zap.Int64("events", c.events.Load()))
	return nil
}

// resolveMode picks the capture mode for a start. A completed snapshot
// resumes from its log position. A snapshot-only run leaves no log
// position, and changes committed after it are not retained by any slot,
// so that checkpoint starts over as hybrid.
func resolveMode(opts StartOptions) string {
	switch {
	case opts.SnapshotComplete && opts.ResumeLSN > 0:
		return config.StartupContinuous
	case opts.SnapshotComplete:
		return config.StartupHybrid
	default:
		return config.NormalizeStartupMode(opts.Mode)
	}
}

// slotInfo is the catalog view of the replication slot.
type slotInfo struct {
	plugin         string
	walStatus      string
	confirmedFlush string
}

// streamState survives reconnects of one capture run.
type streamState struct {
	relations map[uint32]*relation
	// lastEmitted is the end LSN of the last transaction whose watermark was emitted
	lastEmitted LSN
	serverEnd   LSN
	inTx        bool
	tx          txState
	// partial tracks a transaction interrupted by a disconnect
	partial txState
}

type txState struct {
	final      LSN
	xid        uint32
	commitTime time.Time
	skip       bool
	seen       int
	replaySkip int
	emitted    int
}

func newStreamState(resume LSN) *streamState {
	return &streamState{relations: make(map[uint32]*relation), lastEmitted: resume}
}

func (c *PostgresCapture) stream(ctx context.Context, mode string, opts StartOptions, tables []config.TableMapping, out chan<- Message) error {
	if err := c.ensurePublication(ctx, tables); err != nil {
		return err
	}

	slot, err := c.inspectSlot(ctx)
	if err != nil {
		return err
	}
	resuming := opts.ResumeLSN > 0
	if slot != nil && slot.walStatus == "lost" {
		return errors.Newf(errors.ErrorTypeReplication, "replication slot %q has lost required WAL; re-initialise with a snapshot", c.source.SlotName)
	}
	if slot == nil && resuming {
		return errors.Newf(errors.ErrorTypeReplication, "replication slot %q is missing; checkpointed position %s cannot be resumed", c.source.SlotName, opts.ResumeLSN)
	}

	conn, err := c.connectReplication(ctx)
	if err != nil {
		return err
	}

	if mode == config.StartupHybrid && slot != nil && !resuming {
		// an exported snapshot is only available at slot creation
		c.logger.Warn("recreating replication slot for hybrid start without a checkpoint")
		if err := pglogrepl.DropReplicationSlot(ctx, conn, c.source.SlotName, pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
			conn.Close(context.Background())
			return wrapReplication(err, "failed to drop replication slot")
		}
		slot = nil
	}

	st := newStreamState(opts.ResumeLSN)
	if slot == nil {
		snapTables := snapshotSet(mode, tables)
		consistent, err := c.createSlot(ctx, conn, snapTables, out)
		if err != nil {
			conn.Close(context.Background())
			return err
		}
		st.lastEmitted = consistent
	}

	for {
		err := c.replicate(ctx, conn, st, out)
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return nil
		}
		if supervisor.Classify(err) != supervisor.ClassTransient {
			return err
		}

		c.reconnects.Add(1)
		c.setState(StateReconnecting)
		c.logger.Warn("replication connection lost, reconnecting",
			zap.Stringer("resume_lsn", st.lastEmitted),
			zap.Error(err))

		if st.inTx && !st.tx.skip {
			st.partial = st.tx
		}
		st.inTx = false

		policy := c.supervisor.Policy()
		if c.cdc.MaxReconnectAttempts > 0 {
			policy = policy.WithMaxAttempts(c.cdc.MaxReconnectAttempts)
		}
		err = c.supervisor.DoWithPolicy(ctx, policy, supervisor.ErrorContext{Operation: "replication_connect", Position: st.lastEmitted.String()},
			func(ctx context.Context) error {
				var cerr error
				conn, cerr = c.connectReplication(ctx)
				return cerr
			})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeReplication, "replication reconnect attempts exhausted")
		}
	}
}

// snapshotSet returns the tables needing a snapshot when a slot is created.
func snapshotSet(mode string, tables []config.TableMapping) []config.TableMapping {
	var out []config.TableMapping
	for _, t := range tables {
		if mode == config.StartupHybrid || t.SyncMode == config.SyncModeHybrid {
			out = append(out, t)
		}
	}
	return out
}

// createSlot creates the replication slot, snapshots tables under its
// exported snapshot and emits the seam watermark.
func (c *PostgresCapture) createSlot(ctx context.Context, conn *pgconn.PgConn, snapTables []config.TableMapping, out chan<- Message) (LSN, error) {
	action := "NOEXPORT_SNAPSHOT"
	if len(snapTables) > 0 {
		action = "EXPORT_SNAPSHOT"
	}
	res, err := pglogrepl.CreateReplicationSlot(ctx, conn, c.source.SlotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: action})
	if err != nil {
		return 0, wrapReplication(err, "failed to create replication slot")
	}
	consistent, err := ParseLSN(res.ConsistentPoint)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeReplication, "invalid consistent point")
	}
	c.logger.Info("created replication slot",
		zap.String("consistent_point", res.ConsistentPoint),
		zap.String("snapshot", res.SnapshotName),
		zap.Int("snapshot_tables", len(snapTables)))

	if len(snapTables) > 0 {
		c.setState(StateSnapshotting)
		if err := c.snapshot(ctx, snapTables, res.SnapshotName, out); err != nil {
			return 0, err
		}
		c.logger.Info("snapshot completed", zap.Int64("events", c.events.Load()))
	}

	wm := &Watermark{LSN: consistent, CommitTime: time.Now(), SnapshotComplete: true}
	if err := Emit(ctx, out, Message{Watermark: wm}); err != nil {
		return 0, err
	}
	return consistent, nil
}

func (c *PostgresCapture) connectReplication(ctx context.Context) (*pgconn.PgConn, error) {
	timeout := c.cdc.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := pgconn.Connect(cctx, c.source.ReplicationDSN())
	if err != nil {
		return nil, wrapReplication(err, "failed to open replication connection")
	}
	return conn, nil
}

func (c *PostgresCapture) ensurePublication(ctx context.Context, tables []config.TableMapping) error {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = quoteQualified(t.QualifiedSource(c.source.Schema))
	}
	pub := pgx.Identifier{c.source.PublicationName}.Sanitize()

	return c.pool.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)", c.source.PublicationName).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to check publication")
		}
		stmt := fmt.Sprintf("ALTER PUBLICATION %s SET TABLE %s", pub, strings.Join(names, ", "))
		if !exists {
			stmt = fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", pub, strings.Join(names, ", "))
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return wrapReplication(err, "failed to configure publication")
		}
		c.logger.Info("publication configured",
			zap.String("publication", c.source.PublicationName),
			zap.Bool("created", !exists),
			zap.Int("tables", len(names)))
		return nil
	})
}

func (c *PostgresCapture) inspectSlot(ctx context.Context) (*slotInfo, error) {
	var info slotInfo
	err := c.pool.WithConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT plugin, coalesce(wal_status, ''), coalesce(confirmed_flush_lsn::text, '')
			   FROM pg_replication_slots
			  WHERE slot_name = $1 AND database = current_database()`,
			c.source.SlotName).Scan(&info.plugin, &info.walStatus, &info.confirmedFlush)
	})
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to inspect replication slot")
	}
	if info.plugin != outputPlugin {
		return nil, errors.Newf(errors.ErrorTypeConfig, "replication slot %q uses plugin %q, expected %s", c.source.SlotName, info.plugin, outputPlugin)
	}
	c.logger.Info("found replication slot",
		zap.String("wal_status", info.walStatus),
		zap.String("confirmed_flush_lsn", info.confirmedFlush))
	return &info, nil
}

// replicate streams from the slot until an error or cancellation.
func (c *PostgresCapture) replicate(ctx context.Context, conn *pgconn.PgConn, st *streamState, out chan<- Message) error {
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", strings.ReplaceAll(c.source.PublicationName, "'", "''")),
	}
	if err := pglogrepl.StartReplication(ctx, conn, c.source.SlotName, pglogrepl.LSN(st.lastEmitted),
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return wrapReplication(err, "failed to start replication")
	}
	c.setState(StateStreaming)
	c.logger.Info("replication started", zap.Stringer("start_lsn", st.lastEmitted))

	heartbeat := c.cdc.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	wait := c.cdc.PollInterval()
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}

	var nextStatus time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(nextStatus) {
			if err := c.sendStatus(ctx, conn, st); err != nil {
				return errors.Wrap(err, errors.ErrorTypeConnection, "failed to send standby status")
			}
			nextStatus = time.Now().Add(heartbeat)
		}

		deadline := time.Now().Add(wait)
		if nextStatus.Before(deadline) {
			deadline = nextStatus
		}
		rctx, cancel := context.WithDeadline(ctx, deadline)
		raw, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "replication receive failed")
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return wrapReplication(pgconn.ErrorResponseToPgError(msg), "replication stream error")
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeReplication, "malformed keepalive")
				}
				if end := LSN(pkm.ServerWALEnd); end > st.serverEnd {
					st.serverEnd = end
				}
				if pkm.ReplyRequested {
					nextStatus = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeReplication, "malformed XLogData")
				}
				c.markReceived(LSN(xld.WALStart) + LSN(len(xld.WALData)))
				logical, err := pglogrepl.Parse(xld.WALData)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeReplication, "failed to parse pgoutput message")
				}
				if err := c.handle(ctx, st, logical, LSN(xld.WALStart), out); err != nil {
					return err
				}
			}
		}
	}
}

func (c *PostgresCapture) markReceived(lsn LSN) {
	for {
		cur := c.received.Load()
		if uint64(lsn) <= cur || c.received.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// flushPosition is the position confirmed to the server: the acknowledged
// checkpoint, or the server WAL end when idle with nothing unacknowledged.
func (c *PostgresCapture) flushPosition(st *streamState) LSN {
	flush := LSN(c.ack.Load())
	if !st.inTx && st.partial.final == 0 && flush >= st.lastEmitted && st.serverEnd > flush {
		flush = st.serverEnd
	}
	return flush
}

func (c *PostgresCapture) sendStatus(ctx context.Context, conn *pgconn.PgConn, st *streamState) error {
	flush := pglogrepl.LSN(c.flushPosition(st))
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: flush,
		WALFlushPosition: flush,
		WALApplyPosition: flush,
		ClientTime:       time.Now(),
	})
}

// handle processes one decoded pgoutput message.
func (c *PostgresCapture) handle(ctx context.Context, st *streamState, msg pglogrepl.Message, walStart LSN, out chan<- Message) error {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		st.relations[m.RelationID] = &relation{table: m.Namespace + "." + m.RelationName, columns: m.Columns}

	case *pglogrepl.BeginMessage:
		final := LSN(m.FinalLSN)
		st.inTx = true
		st.tx = txState{final: final, xid: m.Xid, commitTime: m.CommitTime, skip: final < st.lastEmitted}
		if st.partial.final == final {
			st.tx.replaySkip = st.partial.emitted
			st.tx.emitted = st.partial.emitted
		}
		if st.tx.skip {
			c.logger.Debug("skipping already emitted transaction",
				zap.Uint32("xid", m.Xid), zap.Stringer("final_lsn", final))
		}

	case *pglogrepl.InsertMessage:
		return c.emitRow(ctx, st, m.RelationID, OperationInsert, nil, m.Tuple, false, walStart, out)
	case *pglogrepl.UpdateMessage:
		return c.emitRow(ctx, st, m.RelationID, OperationUpdate, m.OldTuple, m.NewTuple, m.OldTupleType == oldTupleFull, walStart, out)
	case *pglogrepl.DeleteMessage:
		return c.emitRow(ctx, st, m.RelationID, OperationDelete, m.OldTuple, nil, m.OldTupleType == oldTupleFull, walStart, out)

	case *pglogrepl.TruncateMessage:
		c.logger.Warn("TRUNCATE is not replicated", zap.Uint32("xid", st.tx.xid), zap.Int("relations", len(m.RelationIDs)))

	case *pglogrepl.CommitMessage:
		skipped := st.tx.skip
		st.inTx = false
		st.partial = txState{}
		if skipped {
			return nil
		}
		wm := &Watermark{LSN: LSN(m.TransactionEndLSN), CommitTime: m.CommitTime, SnapshotComplete: true}
		if err := Emit(ctx, out, Message{Watermark: wm}); err != nil {
			return err
		}
		st.lastEmitted = wm.LSN
		c.txns.Add(1)
	}
	return nil
}

// oldTupleFull tags an old tuple carrying every column (REPLICA IDENTITY
// FULL). Otherwise it holds only the key and non-key columns are null.
const oldTupleFull = 'O'

// emitRow decodes one row change. Unchanged TOAST columns of an update are
// filled from a full old tuple; without one they are reported in
// ChangeEvent.Unchanged so the loader keeps the stored values.
func (c *PostgresCapture) emitRow(ctx context.Context, st *streamState, relID uint32, op Operation, oldTuple, newTuple *pglogrepl.TupleData, fullOld bool, walStart LSN, out chan<- Message) error {
	if st.tx.skip {
		return nil
	}
	rel, ok := st.relations[relID]
	if !ok {
		return errors.Newf(errors.ErrorTypeReplication, "unknown relation id %d", relID)
	}
	mapping, ok := c.byTable[rel.table]
	if !ok {
		return nil
	}

	st.tx.seen++
	if st.tx.seen <= st.tx.replaySkip {
		return nil
	}

	oldRow, _, err := c.dec.tuple(rel, oldTuple)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode old tuple")
	}
	newRow, unchanged, err := c.dec.tuple(rel, newTuple)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode new tuple")
	}

	keyCols := mapping.KeyColumns()
	ev := &ChangeEvent{
		Table:      rel.table,
		Operation:  op,
		LSN:        walStart,
		CommitLSN:  st.tx.final,
		TxID:       st.tx.xid,
		CommitTime: st.tx.commitTime,
	}
	switch op {
	case OperationDelete:
		ev.Row = oldRow
		ev.Key, _ = KeyOf(oldRow, keyCols)
		ev.OldKey = ev.Key
	default:
		for _, col := range unchanged {
			if v, ok := oldRow[col]; ok && fullOld {
				newRow[col] = v
				continue
			}
			ev.Unchanged = append(ev.Unchanged, col)
		}
		ev.Row = newRow
		ev.Key, _ = KeyOf(newRow, keyCols)
		if oldRow != nil {
			ev.OldKey, _ = KeyOf(oldRow, keyCols)
		}
	}

	if err := Emit(ctx, out, Message{Event: ev}); err != nil {
		return err
	}
	st.tx.emitted = st.tx.seen
	c.events.Add(1)
	c.touch()
	return nil
}

// wrapReplication tags err so classification survives: transient failures
// become connection errors, anything else a replication error.
func wrapReplication(err error, msg string) error {
	if supervisor.IsSlotInvalidated(err) {
		return errors.Wrap(err, errors.ErrorTypeReplication, msg+": replication slot invalidated")
	}
	if supervisor.Classify(err) == supervisor.ClassTransient {
		return errors.Wrap(err, errors.ErrorTypeConnection, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeReplication, msg)
}

// quoteQualified quotes schema.table as an identifier.
func quoteQualified(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schema, table}.Sanitize()
	}
	return pgx.Identifier{name}.Sanitize()
}
