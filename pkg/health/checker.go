package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the health of one check or of the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// worst returns the more severe of a and b.
func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Result is the outcome of one check.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Duration  float64        `json:"duration_ms"`
}

// Probe tests one dependency. A nil error means reachable.
type Probe func(ctx context.Context) error

// DefaultFailureThreshold is the number of consecutive probe failures after
// which a degraded dependency turns unhealthy.
const DefaultFailureThreshold = 3

// Checker runs a probe on an interval and keeps the latest result. Failures
// below the threshold report degraded, from the threshold on unhealthy.
type Checker struct {
	name      string
	probe     Probe
	threshold int
	timeout   time.Duration
	logger    *zap.Logger

	mu               sync.RWMutex
	result           Result
	checks           int64
	failures         int64
	consecutiveFails int
}

// NewChecker creates a checker that reports unhealthy until its first probe.
func NewChecker(name string, probe Probe, threshold int, timeout time.Duration, logger *zap.Logger) *Checker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		name:      name,
		probe:     probe,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger.With(zap.String("check", name)),
		result:    Result{Name: name, Status: StatusUnhealthy, Message: "not checked yet"},
	}
}

// Name returns the check name.
func (c *Checker) Name() string { return c.name }

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs the probe once and returns the updated result.
func (c *Checker) Check(ctx context.Context) Result {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.probe(checkCtx)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	res := Result{
		Name:      c.name,
		Status:    StatusHealthy,
		CheckedAt: start,
		Duration:  float64(elapsed.Microseconds()) / 1000,
		Details:   map[string]any{},
	}
	if err != nil {
		c.failures++
		c.consecutiveFails++
		res.Status = StatusDegraded
		if c.consecutiveFails >= c.threshold {
			res.Status = StatusUnhealthy
		}
		res.Message = err.Error()
		res.Details["consecutive_failures"] = c.consecutiveFails
		c.logger.Warn("health check failed",
			zap.Error(err),
			zap.String("status", string(res.Status)),
			zap.Int("consecutive_failures", c.consecutiveFails))
	} else {
		if c.consecutiveFails > 0 {
			c.logger.Info("health check recovered", zap.Int("after_failures", c.consecutiveFails))
		}
		c.consecutiveFails = 0
	}
	res.Details["check_count"] = c.checks
	res.Details["failure_count"] = c.failures
	c.result = res
	return c.copyLocked()
}

// Result returns a copy of the latest result.
func (c *Checker) Result() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

func (c *Checker) copyLocked() Result {
	out := c.result
	if c.result.Details != nil {
		out.Details = make(map[string]any, len(c.result.Details))
		for k, v := range c.result.Details {
			out.Details[k] = v
		}
	}
	return out
}
