// Package deadletter stores rows that could not be applied to the target.
//
// Records are handed to a Writer, which buffers them in memory and persists
// them asynchronously through a Sink. Send never blocks the pipeline: when
// the buffer is full the record is dropped and counted.
package deadletter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

// Record is one rejected row.
type Record struct {
	Table      string         `json:"table"`
	PrimaryKey []any          `json:"primary_key"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
	Error      string         `json:"error"`
	ErrorClass string         `json:"error_class"`
	LSN        string         `json:"lsn,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FromEvent builds a record for ev rejected with err.
func FromEvent(ev *cdc.ChangeEvent, err error) Record {
	rec := Record{
		Table:      ev.Table,
		PrimaryKey: ev.Key,
		Operation:  string(ev.Operation),
		Payload:    ev.Row,
		Timestamp:  time.Now().UTC(),
	}
	if rec.PrimaryKey == nil {
		rec.PrimaryKey = ev.OldKey
	}
	if ev.CommitLSN > 0 {
		rec.LSN = ev.CommitLSN.String()
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorClass = string(supervisor.Classify(err))
	}
	return rec
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Observer receives dead-letter counts, normally the metrics service.
type Observer interface {
	RecordDeadLetter(table string)
	RecordDeadLetterDropped()
}

// Stats counts writer activity.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Buffered int   `json:"buffered"`
}

const maxWriteBatch = 256

// Writer buffers records for a Sink.
type Writer struct {
	sink     Sink
	observer Observer
	logger   *zap.Logger
	ch       chan Record

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	accepted atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewWriter starts a writer with room for bufferSize pending records.
// observer may be nil.
func NewWriter(sink Sink, bufferSize int, observer Observer, logger *zap.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		sink:     sink,
		observer: observer,
		logger:   logger.With(zap.String("component", "dead_letter")),
		ch:       make(chan Record, bufferSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Send queues rec. It reports false when the record was dropped.
func (w *Writer) Send(rec Record) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(rec, "writer closed")
		return false
	}
	select {
	case w.ch <- rec:
		w.accepted.Add(1)
		if w.observer != nil {
			w.observer.RecordDeadLetter(rec.Table)
		}
		return true
	default:
		w.drop(rec, "buffer full")
		return false
	}
}

func (w *Writer) drop(rec Record, reason string) {
	w.dropped.Add(1)
	if w.observer != nil {
		w.observer.RecordDeadLetterDropped()
	}
	w.logger.Error("dead-letter record dropped",
		zap.String("reason", reason),
		zap.String("table", rec.Table),
		zap.Any("primary_key", rec.PrimaryKey),
		zap.String("error", rec.Error))
}

func (w *Writer) run() {
	defer close(w.done)
	batch := make([]Record, 0, maxWriteBatch)
	for rec := range w.ch {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < maxWriteBatch {
			select {
			case next, ok := <-w.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		w.flush(batch)
	}
}

func (w *Writer) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.sink.Write(ctx, batch); err != nil {
		w.failed.Add(int64(len(batch)))
		w.logger.Error("failed to persist dead-letter records",
			zap.Int("records", len(batch)),
			zap.Error(err))
		return
	}
	w.written.Add(int64(len(batch)))
}

// Close stops accepting records, drains the buffer and closes the sink.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "dead-letter drain interrupted")
	}
	return w.sink.Close()
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Accepted: w.accepted.Load(),
		Written:  w.written.Load(),
		Dropped:  w.dropped.Load(),
		Failed:   w.failed.Load(),
		Buffered: len(w.ch),
	}
}

// Open builds the sink selected by cfg. A disabled dead-letter queue logs
// records instead of storing them.
func Open(cfg config.ErrorHandlingConfig, logger *zap.Logger) (Sink, error) {
	if !cfg.DeadLetterQueue {
		return NewLogSink(logger), nil
	}
	dl := cfg.DeadLetter
	switch dl.Sink {
	case "", "file":
		return NewFileSink(FileSinkConfig{
			Dir:             dl.Path,
			Compression:     dl.Compression,
			MaxSegmentBytes: dl.MaxSegmentBytes,
		}, logger)
	case "kafka":
		return NewKafkaSink(dl.Brokers, dl.Topic, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown dead-letter sink %q", dl.Sink)
	}
}

// LogSink writes records to the log only.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("sink", "log"))}
}

func (s *LogSink) Write(_ context.Context, records []Record) error {
	for _, r := range records {
		s.logger.Warn("dead-letter record",
			zap.String("table", r.Table),
			zap.String("operation", r.Operation),
			zap.Any("primary_key", r.PrimaryKey),
			zap.String("error_class", r.ErrorClass),
			zap.String("error", r.Error))
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	// Block, when set, is waited on before every write.
	Block chan struct{}
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(ctx context.Context, records []Record) error {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything written so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func (m *MemorySink) Close() error { return nil }
