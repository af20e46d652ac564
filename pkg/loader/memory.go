package loader

import (
	"context"
	"sync"

	"github.com/ajitpratap0/starsync/pkg/cdc"
)

// MemoryTarget keeps tables in memory with primary key table semantics: an
// upsert replaces the stored row, so columns it lacks are lost, while a
// partial upsert only overwrites the columns it carries. It backs tests and
// dry runs.
type MemoryTarget struct {
	mu      sync.Mutex
	tables  map[string]map[string]cdc.Row
	batches []string
	failN   int
	failErr error

	// RejectIf, when set, refuses individual ops with the returned error.
	RejectIf func(table string, op Op) error
	// Block, when set, delays every Apply until it is closed or ctx ends.
	Block chan struct{}
}

// NewMemoryTarget creates an empty target.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{tables: make(map[string]map[string]cdc.Row)}
}

// FailNext makes the next n Apply calls fail with err before touching any row.
func (m *MemoryTarget) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN, m.failErr = n, err
}

// Apply implements Target.
func (m *MemoryTarget) Apply(ctx context.Context, b *Batch) (Result, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if err := checkBatch(b); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return Result{}, m.failErr
	}

	rows := m.tables[b.Table]
	if rows == nil {
		rows = make(map[string]cdc.Row)
		m.tables[b.Table] = rows
	}

	var res Result
	for _, op := range b.Ops {
		if m.RejectIf != nil {
			if err := m.RejectIf(b.Table, op); err != nil {
				res.Rejected = append(res.Rejected, Rejection{Op: op, Err: err})
				continue
			}
		}
		k := cdc.KeyString(op.Key)
		if op.Kind == Delete {
			delete(rows, k)
			res.Deleted++
			continue
		}
		if op.Partial {
			rows[k] = merge(rows[k], op.Row)
		} else {
			rows[k] = merge(nil, op.Row)
		}
		res.Upserted++
	}
	m.batches = append(m.batches, b.ID)
	return res, nil
}

// Rows returns a copy of table keyed by KeyString of the primary key.
func (m *MemoryTarget) Rows(table string) map[string]cdc.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]cdc.Row, len(m.tables[table]))
	for k, r := range m.tables[table] {
		out[k] = merge(nil, r)
	}
	return out
}

// Batches returns the IDs of applied batches in order.
func (m *MemoryTarget) Batches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.batches...)
}

// Ping implements Target.
func (m *MemoryTarget) Ping(context.Context) error { return nil }

// Close implements Target.
func (m *MemoryTarget) Close() error { return nil }
