package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// Txn is one committed source transaction.
type Txn struct {
	// LSN is the commit end position.
	LSN    cdc.LSN
	Events []*cdc.ChangeEvent
}

// ScriptedSource is a cdc.Source replaying a fixed script. It honours the
// resume position, emits snapshot rows before the log in hybrid mode and
// can be told to drop the connection, the way a real capture run would.
type ScriptedSource struct {
	mu        sync.Mutex
	snapshot  []*cdc.ChangeEvent
	snapLSN   cdc.LSN
	txns      []Txn
	notify    chan struct{}
	starts    []cdc.StartOptions
	acked     cdc.LSN
	emitted   int64
	failAfter int
	failErr   error
	running   bool
}

// NewScriptedSource returns an empty source.
func NewScriptedSource() *ScriptedSource {
	return &ScriptedSource{notify: make(chan struct{}, 1), failAfter: -1}
}

// WithSnapshot sets the rows a snapshot returns and the position it is
// consistent with.
func (s *ScriptedSource) WithSnapshot(lsn cdc.LSN, rows ...*cdc.ChangeEvent) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapLSN = lsn
	s.snapshot = rows
	return s
}

// Push appends committed transactions, waking a running capture.
func (s *ScriptedSource) Push(txns ...Txn) {
	s.mu.Lock()
	s.txns = append(s.txns, txns...)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// FailAfter makes the next capture run return err once n transactions
// have been emitted. The failure fires once.
func (s *ScriptedSource) FailAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter, s.failErr = n, err
}

// Starts returns the options of every StartCapture call.
func (s *ScriptedSource) Starts() []cdc.StartOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdc.StartOptions(nil), s.starts...)
}

// Acked returns the highest acknowledged position.
func (s *ScriptedSource) Acked() cdc.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Acknowledge implements cdc.Source.
func (s *ScriptedSource) Acknowledge(lsn cdc.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lsn > s.acked {
		s.acked = lsn
	}
}

// Status implements cdc.Source.
func (s *ScriptedSource) Status() cdc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "stopped"
	if s.running {
		state = "streaming"
	}
	return cdc.Status{
		State:         state,
		AckedLSN:      s.acked.String(),
		EventsEmitted: s.emitted,
		Transactions:  int64(len(s.txns)),
	}
}

// StartCapture implements cdc.Source.
func (s *ScriptedSource) StartCapture(ctx context.Context, opts cdc.StartOptions, out chan<- cdc.Message) error {
	mode := config.NormalizeStartupMode(opts.Mode)
	if opts.SnapshotComplete {
		mode = config.StartupContinuous
	}

	s.mu.Lock()
	s.starts = append(s.starts, opts)
	s.running = true
	snapshot, snapLSN := s.snapshot, s.snapLSN
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	position := opts.ResumeLSN
	if mode != config.StartupContinuous {
		for _, ev := range snapshot {
			cp := *ev
			cp.Snapshot = true
			cp.Operation = cdc.OperationInsert
			if err := s.emit(ctx, out, cdc.Message{Event: &cp}); err != nil {
				return nil
			}
		}
		if err := s.emit(ctx, out, cdc.Message{Watermark: &cdc.Watermark{
			LSN: snapLSN, CommitTime: time.Now(), SnapshotComplete: true,
		}}); err != nil {
			return nil
		}
		if mode == config.StartupInitialSnapshot {
			return nil
		}
		if snapLSN > position {
			position = snapLSN
		}
	}

	sent := 0
	for i := 0; ; {
		s.mu.Lock()
		var next *Txn
		for ; i < len(s.txns); i++ {
			if s.txns[i].LSN > position {
				next = &s.txns[i]
				i++
				break
			}
		}
		fail := s.failAfter >= 0 && sent >= s.failAfter
		failErr := s.failErr
		if fail {
			s.failAfter = -1
		}
		s.mu.Unlock()

		if fail {
			if failErr == nil {
				failErr = errors.New(errors.ErrorTypeConnection, "replication connection reset")
			}
			return failErr
		}

		if next == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}

		for _, ev := range next.Events {
			cp := *ev
			cp.CommitLSN = next.LSN
			if err := s.emit(ctx, out, cdc.Message{Event: &cp}); err != nil {
				return nil
			}
		}
		if err := s.emit(ctx, out, cdc.Message{Watermark: &cdc.Watermark{
			LSN: next.LSN, CommitTime: time.Now(), SnapshotComplete: true,
		}}); err != nil {
			return nil
		}
		position = next.LSN
		sent++
	}
}

func (s *ScriptedSource) emit(ctx context.Context, out chan<- cdc.Message, m cdc.Message) error {
	if err := cdc.Emit(ctx, out, m); err != nil {
		return err
	}
	if m.Event != nil {
		s.mu.Lock()
		s.emitted++
		s.mu.Unlock()
	}
	return nil
}

// Insert builds an insert event for public.orders.
func Insert(id int64, amount string) *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Table:      "public.orders",
		Operation:  cdc.OperationInsert,
		Key:        []any{id},
		Row:        cdc.Row{"id": id, "amount": amount},
		CommitTime: time.Now(),
	}
}

// Update builds an update event for public.orders.
func Update(id int64, amount string) *cdc.ChangeEvent {
	ev := Insert(id, amount)
	ev.Operation = cdc.OperationUpdate
	return ev
}

// Delete builds a delete event for public.orders.
func Delete(id int64) *cdc.ChangeEvent {
	return &cdc.ChangeEvent{
		Table:      "public.orders",
		Operation:  cdc.OperationDelete,
		OldKey:     []any{id},
		Row:        cdc.Row{"id": id},
		CommitTime: time.Now(),
	}
}
