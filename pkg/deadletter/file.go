package deadletter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/compression"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

const segmentPrefix = "deadletter-"

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Dir             string
	Compression     string
	MaxSegmentBytes int64
}

// FileSink appends JSON Lines to size-bounded segment files, optionally
// compressed. Each Write is flushed before it returns.
type FileSink struct {
	dir      string
	alg      compression.Algorithm
	maxBytes int64
	logger   *zap.Logger

	mu      sync.Mutex
	file    *os.File
	counter *countingWriter
	codec   io.WriteCloser
	seq     int
}

// NewFileSink creates the segment directory.
func NewFileSink(cfg FileSinkConfig, logger *zap.Logger) (*FileSink, error) {
	alg, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid dead-letter compression")
	}
	if cfg.Dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dead-letter path cannot be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dead-letter directory")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 64 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{
		dir:      cfg.Dir,
		alg:      alg,
		maxBytes: cfg.MaxSegmentBytes,
		logger:   logger.With(zap.String("sink", "file"), zap.String("path", cfg.Dir)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type flusher interface{ Flush() error }

func (s *FileSink) open() error {
	s.seq++
	name := fmt.Sprintf("%s%s-%04d.jsonl%s", segmentPrefix, time.Now().UTC().Format("20060102T150405.000"), s.seq, s.alg.Extension())
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open dead-letter segment")
	}
	counter := &countingWriter{w: f}
	codec, err := compression.NewWriter(counter, s.alg, compression.Default)
	if err != nil {
		f.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to start dead-letter compression")
	}
	s.file, s.counter, s.codec = f, counter, codec
	s.logger.Info("opened dead-letter segment", zap.String("segment", name))
	return nil
}

func (s *FileSink) closeSegment() error {
	if s.file == nil {
		return nil
	}
	err := s.codec.Close()
	if serr := s.file.Sync(); err == nil {
		err = serr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.counter, s.codec = nil, nil, nil
	return err
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(s.codec)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write dead-letter record")
		}
	}
	if f, ok := s.codec.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to flush dead-letter segment")
		}
	}
	if s.counter.n >= s.maxBytes {
		return s.closeSegment()
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSegment()
}

// Segments lists segment files in write order.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadSegment decodes every record of a segment file.
func ReadSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	alg := compression.None
	for _, a := range []compression.Algorithm{compression.Gzip, compression.Snappy, compression.LZ4, compression.Zstd, compression.S2} {
		if strings.HasSuffix(path, a.Extension()) {
			alg = a
		}
	}
	r, err := compression.NewReader(f, alg)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var records []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return records, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}
