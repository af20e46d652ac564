package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// FileStore keeps one JSON document per source in a directory. Writes go to
// a temporary file that is synced and renamed over the previous checkpoint.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]Checkpoint
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "checkpoint path cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to create checkpoint directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "checkpoint_store"), zap.String("path", dir)),
		last:   make(map[string]Checkpoint),
	}, nil
}

func (s *FileStore) path(sourceID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, sourceID)
	return filepath.Join(s.dir, name+".json")
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, sourceID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to read checkpoint")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// a torn file cannot happen with rename, so this is corruption
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "corrupt checkpoint file "+s.path(sourceID))
	}

	s.mu.Lock()
	s.last[sourceID] = cp
	s.mu.Unlock()
	return &cp, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkSequence(s.last, cp); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode checkpoint")
	}

	target := s.path(cp.SourceID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, target); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "failed to replace checkpoint")
	}
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	s.last[cp.SourceID] = *cp
	s.logger.Debug("checkpoint saved",
		zap.Int64("sequence", cp.Sequence),
		zap.Stringer("lsn", cp.LSN))
	return nil
}

// Ping checks the directory is still writable.
func (s *FileStore) Ping(context.Context) error {
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "checkpoint directory is not writable")
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FileStore) Close() error { return nil }
