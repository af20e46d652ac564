// Package loader applies batches of row changes to StarRocks primary key
// tables.
//
// A Batch holds at most one operation per primary key, produced by Compact.
// Applying a batch is idempotent: upserts replace whole rows, partial
// upserts overwrite only the columns they carry and deletes of missing keys
// are no-ops, so a batch may be re-applied after a failure or a restart
// without changing the result.
package loader

import (
	"context"
	"sort"
	"strings"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// Kind is the effect of an Op on the target.
type Kind int

const (
	Upsert Kind = iota
	Delete
)

func (k Kind) String() string {
	if k == Delete {
		return "delete"
	}
	return "upsert"
}

// Op is the net effect of one or more events on a single key.
type Op struct {
	Kind Kind
	Key  []any
	// Row is the full row for upserts and the key columns for deletes.
	Row cdc.Row
	// Partial marks an upsert whose Row lacks columns the source left
	// unchanged. Only the columns in Row may be written.
	Partial bool
	// Event is the last source event folded into this op.
	Event *cdc.ChangeEvent
}

// Batch is a compacted unit of work for one target table.
type Batch struct {
	ID         string
	Table      string
	KeyColumns []string
	Ops        []Op
}

// Rejection is an op refused by the target for a row-level data error.
type Rejection struct {
	Op  Op
	Err error
}

// Result reports what happened to a batch.
type Result struct {
	Upserted int
	Deleted  int
	Rejected []Rejection
}

// Applied is the number of ops the target accepted.
func (r Result) Applied() int { return r.Upserted + r.Deleted }

// Target applies batches. Apply returns an error only when the batch as a
// whole could not be applied; rows refused for data errors are reported in
// Result.Rejected and the rest of the batch is still applied.
type Target interface {
	Apply(ctx context.Context, b *Batch) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Compact folds events into one op per key, last operation wins. An update
// is merged onto an earlier upsert of the same key so columns it omits
// (unchanged TOAST values) keep the earlier value. An update that still
// lacks columns after merging becomes a partial upsert. An update that
// moves a row deletes the old key.
func Compact(events []*cdc.ChangeEvent, keyCols []string) []Op {
	ops := make(map[string]*Op, len(events))
	order := make([]string, 0, len(events))

	set := func(op Op) {
		k := cdc.KeyString(op.Key)
		if _, ok := ops[k]; !ok {
			order = append(order, k)
		}
		ops[k] = &op
	}

	for _, ev := range events {
		switch ev.Operation {
		case cdc.OperationDelete:
			key := ev.Key
			if key == nil {
				key = ev.OldKey
			}
			set(Op{Kind: Delete, Key: key, Row: keyRow(key, keyCols), Event: ev})

		case cdc.OperationUpdate:
			if ev.KeyChanged() {
				set(Op{Kind: Delete, Key: ev.OldKey, Row: keyRow(ev.OldKey, keyCols), Event: ev})
			}
			// a moved row has nothing stored under its new key to keep
			row, partial := ev.Row, len(ev.Unchanged) > 0 && !ev.KeyChanged()
			if prev, ok := ops[cdc.KeyString(ev.Key)]; ok && prev.Kind == Upsert {
				row = merge(prev.Row, ev.Row)
				partial = partial && prev.Partial
			}
			set(Op{Kind: Upsert, Key: ev.Key, Row: row, Partial: partial, Event: ev})

		default:
			set(Op{Kind: Upsert, Key: ev.Key, Row: ev.Row, Event: ev})
		}
	}

	out := make([]Op, 0, len(order))
	for _, k := range order {
		out = append(out, *ops[k])
	}
	return out
}

func merge(base, update cdc.Row) cdc.Row {
	out := make(cdc.Row, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

func keyRow(key []any, cols []string) cdc.Row {
	row := make(cdc.Row, len(cols))
	for i, c := range cols {
		if i < len(key) {
			row[c] = key[i]
		}
	}
	return row
}

// split separates deletes from upserts and groups upserts by column set
// and partiality so each group can be written with one column list.
func split(ops []Op) (deletes []Op, upserts [][]Op) {
	groups := make(map[string][]Op)
	var order []string
	for _, op := range ops {
		if op.Kind == Delete {
			deletes = append(deletes, op)
			continue
		}
		sig := strings.Join(columnsOf(op.Row), "\x00")
		if op.Partial {
			sig = "partial\x00" + sig
		}
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], op)
	}
	for _, sig := range order {
		upserts = append(upserts, groups[sig])
	}
	return deletes, upserts
}

func columnsOf(row cdc.Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func chunks(ops []Op, size int) [][]Op {
	if size <= 0 || len(ops) <= size {
		return [][]Op{ops}
	}
	var out [][]Op
	for len(ops) > size {
		out = append(out, ops[:size])
		ops = ops[size:]
	}
	return append(out, ops)
}

// bisect applies ops and, when the target refuses the set for a data error,
// splits it until the offending rows are isolated.
func bisect(ctx context.Context, ops []Op, apply func(context.Context, []Op) error) (int, []Rejection, error) {
	if len(ops) == 0 {
		return 0, nil, nil
	}
	err := apply(ctx, ops)
	if err == nil {
		return len(ops), nil, nil
	}
	if supervisor.Classify(err) != supervisor.ClassData {
		return 0, nil, err
	}
	if len(ops) == 1 {
		return 0, []Rejection{{Op: ops[0], Err: err}}, nil
	}

	mid := len(ops) / 2
	left, lrej, err := bisect(ctx, ops[:mid], apply)
	if err != nil {
		return left, lrej, err
	}
	right, rrej, err := bisect(ctx, ops[mid:], apply)
	return left + right, append(lrej, rrej...), err
}
