package supervisor

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// Retry outcomes reported to the Observer.
const (
	OutcomeSuccess      = "success"
	OutcomeRecovered    = "recovered"
	OutcomeExhausted    = "exhausted"
	OutcomeNonRetryable = "non_retryable"
	OutcomeCancelled    = "cancelled"
)

// Observer receives retry attempts and outcomes, normally the metrics service.
type Observer interface {
	RetryAttempt(operation string)
	RetryOutcome(operation, outcome string)
}

// ErrorContext describes where a failure happened.
type ErrorContext struct {
	Operation    string `json:"operation"`
	Table        string `json:"table,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Position     string `json:"position,omitempty"`
}

// Supervisor wraps I/O operations with the shared classification and retry policy.
type Supervisor struct {
	policy   *RetryPolicy
	history  *History
	observer Observer
	logger   *zap.Logger
}

// New creates a supervisor. observer may be nil.
func New(policy *RetryPolicy, observer Observer, logger *zap.Logger) *Supervisor {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		policy:   policy,
		history:  NewHistory(defaultHistoryLimit),
		observer: observer,
		logger:   logger.With(zap.String("component", "supervisor")),
	}
}

// Policy returns the supervisor's retry policy.
func (s *Supervisor) Policy() *RetryPolicy { return s.policy }

// History returns the error history.
func (s *Supervisor) History() *History { return s.history }

// Do runs fn under the retry policy. Transient failures are retried; data and
// fatal failures return immediately. Every failure that escapes is recorded.
func (s *Supervisor) Do(ctx context.Context, ec ErrorContext, fn func(ctx context.Context) error) error {
	return s.DoWithPolicy(ctx, s.policy, ec, fn)
}

// DoWithPolicy is Do with an explicit policy, e.g. for reconnect budgets.
func (s *Supervisor) DoWithPolicy(ctx context.Context, policy *RetryPolicy, ec ErrorContext, fn func(ctx context.Context) error) error {
	retried := 0
	err := policy.Execute(ctx, fn,
		func(err error) bool { return Classify(err) == ClassTransient },
		func(attempt int, err error, delay time.Duration) {
			retried++
			if s.observer != nil {
				s.observer.RetryAttempt(ec.Operation)
			}
			s.logger.Warn("operation failed, retrying",
				zap.String("operation", ec.Operation),
				zap.String("table", ec.Table),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})

	outcome := OutcomeSuccess
	switch {
	case err == nil && retried > 0:
		outcome = OutcomeRecovered
	case err == nil:
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
	case isExhausted(err):
		outcome = OutcomeExhausted
	default:
		outcome = OutcomeNonRetryable
	}
	if s.observer != nil {
		s.observer.RetryOutcome(ec.Operation, outcome)
	}

	if err != nil && outcome != OutcomeCancelled {
		s.history.Record(err, ec, retried)
	}
	return err
}

// Record adds a failure that did not pass through Do, such as a row-level data error.
func (s *Supervisor) Record(err error, ec ErrorContext) {
	s.history.Record(err, ec, 0)
}

func isExhausted(err error) bool {
	var ex *ExhaustedError
	return stderrors.As(err, &ex)
}

// Severity of a recorded failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is one entry of the error history.
type ErrorRecord struct {
	Timestamp time.Time    `json:"timestamp"`
	Class     Class        `json:"class"`
	Category  string       `json:"category"`
	Severity  Severity     `json:"severity"`
	Message   string       `json:"message"`
	Retries   int          `json:"retries"`
	Context   ErrorContext `json:"context"`
}

// Summary aggregates the error history.
type Summary struct {
	Total      int            `json:"total"`
	ByClass    map[string]int `json:"by_class"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
	Recent     []ErrorRecord  `json:"recent"`
}

const (
	defaultHistoryLimit = 1000
	recentErrors        = 10
)

// History is a bounded in-memory error log. When it reaches its limit it
// keeps the newest half.
type History struct {
	mu      sync.Mutex
	limit   int
	records []ErrorRecord
	total   int
}

// NewHistory creates a history holding at most limit records.
func NewHistory(limit int) *History {
	if limit < 2 {
		limit = 2
	}
	return &History{limit: limit}
}

// Record appends a failure.
func (h *History) Record(err error, ec ErrorContext, retries int) {
	class := Classify(err)
	category := categoryOf(err)
	rec := ErrorRecord{
		Timestamp: time.Now(),
		Class:     class,
		Category:  category,
		Severity:  severityOf(category),
		Message:   err.Error(),
		Retries:   retries,
		Context:   ec,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.records = append(h.records, rec)
	if len(h.records) >= h.limit {
		keep := h.limit / 2
		h.records = append([]ErrorRecord(nil), h.records[len(h.records)-keep:]...)
	}
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Summary returns counts over the retained records and the ten most recent.
func (h *History) Summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Summary{
		Total:      h.total,
		ByClass:    make(map[string]int),
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, r := range h.records {
		s.ByClass[string(r.Class)]++
		s.ByCategory[r.Category]++
		s.BySeverity[string(r.Severity)]++
	}
	start := len(h.records) - recentErrors
	if start < 0 {
		start = 0
	}
	s.Recent = append([]ErrorRecord(nil), h.records[start:]...)
	return s
}

func categoryOf(err error) string {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConnection, errors.ErrorTypeTimeout, errors.ErrorTypeRateLimit:
		return "connection"
	case errors.ErrorTypeData, errors.ErrorTypeValidation:
		return "data_validation"
	case errors.ErrorTypeCheckpoint:
		return "checkpoint"
	case errors.ErrorTypeConfig:
		return "configuration"
	case errors.ErrorTypeReplication:
		return "replication"
	case errors.ErrorTypeQuery:
		return "processing"
	}
	if Classify(err) == ClassTransient {
		return "connection"
	}
	return "unknown"
}

func severityOf(category string) Severity {
	switch category {
	case "configuration", "replication":
		return SeverityCritical
	case "connection", "checkpoint":
		return SeverityHigh
	case "data_validation", "processing":
		return SeverityMedium
	default:
		return SeverityMedium
	}
}
