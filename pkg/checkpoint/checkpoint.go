// Package checkpoint persists the replication position the pipeline has
// durably applied. Checkpoints are written by a single coordinator and read
// once at startup to resume capture.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// TableState is the loader progress of one target table at checkpoint time.
type TableState struct {
	Applied      int64  `json:"applied"`
	DeadLettered int64  `json:"dead_lettered"`
	LastBatchID  string `json:"last_batch_id,omitempty"`
}

// Checkpoint is one persisted position.
type Checkpoint struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id"`
	// Sequence increases by one per successful checkpoint of a source.
	Sequence int64 `json:"sequence"`
	// LSN is the commit position up to which every event is applied.
	LSN              cdc.LSN               `json:"lsn"`
	SnapshotComplete bool                  `json:"snapshot_complete"`
	Tables           map[string]TableState `json:"tables,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
}

// Next builds the checkpoint following prev (which may be nil).
func Next(prev *Checkpoint, sourceID string, lsn cdc.LSN, snapshotComplete bool, tables map[string]TableState) *Checkpoint {
	seq := int64(1)
	if prev != nil {
		seq = prev.Sequence + 1
		if lsn < prev.LSN {
			lsn = prev.LSN
		}
		snapshotComplete = snapshotComplete || prev.SnapshotComplete
	}
	return &Checkpoint{
		ID:               uuid.NewString(),
		SourceID:         sourceID,
		Sequence:         seq,
		LSN:              lsn,
		SnapshotComplete: snapshotComplete,
		Tables:           tables,
		CreatedAt:        time.Now().UTC(),
	}
}

// Store persists checkpoints.
type Store interface {
	// Load returns the latest checkpoint of sourceID, or nil when none exists.
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)
	// Save durably replaces the checkpoint of cp.SourceID.
	Save(ctx context.Context, cp *Checkpoint) error
	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Storage. target is only used by
// the "target" store.
func Open(ctx context.Context, cfg config.CheckpointConfig, target *clients.TargetPool, logger *zap.Logger) (Store, error) {
	switch cfg.Storage {
	case "", "file":
		return NewFileStore(cfg.Path, logger)
	case "target":
		if target == nil {
			return nil, errors.New(errors.ErrorTypeConfig, "checkpoint storage target requires a starrocks pool")
		}
		return NewTargetStore(ctx, target, cfg.Table, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown checkpoint storage %q", cfg.Storage)
	}
}

// MemoryStore keeps checkpoints in memory. It is used by tests and by
// initial_snapshot runs that do not resume.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
	saves       int
	// FailSaves makes the next n Save calls fail with a checkpoint error.
	FailSaves int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Load(_ context.Context, sourceID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves > 0 {
		m.FailSaves--
		return errors.New(errors.ErrorTypeCheckpoint, "injected checkpoint failure")
	}
	if err := checkSequence(m.checkpoints, cp); err != nil {
		return err
	}
	m.checkpoints[cp.SourceID] = *cp
	m.saves++
	return nil
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func checkSequence(existing map[string]Checkpoint, cp *Checkpoint) error {
	if cur, ok := existing[cp.SourceID]; ok && cp.Sequence <= cur.Sequence {
		return errors.Newf(errors.ErrorTypeInternal, "checkpoint sequence %d is not after %d", cp.Sequence, cur.Sequence)
	}
	return nil
}
