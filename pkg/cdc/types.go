// Package cdc provides change data capture from PostgreSQL logical replication.
//
// The capture engine emits a single ordered stream of Messages. A Message is
// either a row-level ChangeEvent or a Watermark: the commit position of a
// source transaction whose events have all been emitted before it. A
// Watermark is the only position that is safe to checkpoint.
package cdc

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Operation is the kind of row change.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Row is a decoded tuple. Values are normalised to int64, float64, bool,
// string, time.Time, []byte or nil. Numeric, JSON, UUID and other types
// are carried as their PostgreSQL text form.
type Row map[string]any

// LSN is a PostgreSQL write-ahead log position.
type LSN uint64

func (l LSN) String() string { return pglogrepl.LSN(l).String() }

// MarshalText encodes the X/X form so persisted positions stay readable.
func (l LSN) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *LSN) UnmarshalText(b []byte) error {
	v, err := ParseLSN(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLSN parses the X/X text form.
func ParseLSN(s string) (LSN, error) {
	if s == "" {
		return 0, nil
	}
	l, err := pglogrepl.ParseLSN(s)
	return LSN(l), err
}

// ChangeEvent is a single row change of a captured table.
type ChangeEvent struct {
	// Table is the schema-qualified source table.
	Table     string    `json:"table"`
	Operation Operation `json:"operation"`
	// Key holds the primary key values in mapping key order.
	Key []any `json:"key,omitempty"`
	// OldKey is set for deletes and for updates that changed the key.
	OldKey []any `json:"old_key,omitempty"`
	// Row is the new tuple for insert/update and the old key tuple for delete.
	Row Row `json:"row"`
	// Unchanged lists update columns whose values were not sent and must
	// keep their stored values.
	Unchanged  []string  `json:"unchanged,omitempty"`
	LSN        LSN       `json:"lsn"`
	CommitLSN  LSN       `json:"commit_lsn"`
	TxID       uint32    `json:"txid,omitempty"`
	CommitTime time.Time `json:"commit_time"`
	// Snapshot marks synthetic inserts produced by a snapshot or batch read.
	Snapshot bool `json:"snapshot,omitempty"`
}

// KeyChanged reports whether an update moved the row to a new key.
func (e *ChangeEvent) KeyChanged() bool {
	if e.Operation != OperationUpdate || e.OldKey == nil {
		return false
	}
	return KeyString(e.OldKey) != KeyString(e.Key)
}

// KeyString renders key values as a stable map key.
func KeyString(key []any) string {
	if len(key) == 1 {
		return fmt.Sprint(key[0])
	}
	return fmt.Sprintf("%v", key)
}

// Watermark marks a transaction boundary.
type Watermark struct {
	// LSN is the end position of the last fully emitted transaction.
	LSN        LSN       `json:"lsn"`
	CommitTime time.Time `json:"commit_time"`
	// SnapshotComplete is true once every snapshot event precedes this mark.
	SnapshotComplete bool `json:"snapshot_complete"`
}

// Message is exactly one of Event or Watermark.
type Message struct {
	Event     *ChangeEvent
	Watermark *Watermark
}

// StartOptions tells the engine how to begin.
type StartOptions struct {
	// Mode is initial_snapshot, continuous or hybrid.
	Mode string
	// ResumeLSN is the checkpointed position; transactions ending at or
	// before it are skipped.
	ResumeLSN LSN
	// SnapshotComplete comes from the checkpoint. With a ResumeLSN it forces
	// continuous capture.
	SnapshotComplete bool
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         string    `json:"state"`
	Mode          string    `json:"mode"`
	SlotName      string    `json:"slot_name,omitempty"`
	ReceivedLSN   string    `json:"received_lsn"`
	AckedLSN      string    `json:"acked_lsn"`
	EventsEmitted int64     `json:"events_emitted"`
	Transactions  int64     `json:"transactions"`
	Reconnects    int64     `json:"reconnects"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Source produces change messages. StartCapture blocks until ctx is
// cancelled, a snapshot-only run completes, or a fatal error occurs.
type Source interface {
	StartCapture(ctx context.Context, opts StartOptions, out chan<- Message) error
	// Acknowledge reports that everything up to lsn is durably checkpointed.
	Acknowledge(lsn LSN)
	Status() Status
}

// Emit sends m on out, blocking until it is accepted or ctx is done.
func Emit(ctx context.Context, out chan<- Message, m Message) error {
	select {
	case out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KeyOf extracts cols from row. ok is false when a key column is absent.
func KeyOf(row Row, cols []string) (key []any, ok bool) {
	key = make([]any, len(cols))
	for i, c := range cols {
		v, present := row[c]
		if !present || v == nil {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}
