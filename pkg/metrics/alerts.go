package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/config"
)

// Metric expressions understood by alert rules.
const (
	ExprErrorRate      = "error_rate"
	ExprLatencyP99     = "latency_p99_ms"
	ExprThroughput     = "throughput"
	ExprReplicationLag = "replication_lag_seconds"
)

// Rule is a named predicate over a metric expression.
type Rule struct {
	Name       string        `json:"name"`
	Expr       string        `json:"expr"`
	Comparator string        `json:"comparator"` // ">" or "<"
	Threshold  float64       `json:"threshold"`
	Severity   string        `json:"severity"`
	Cooldown   time.Duration `json:"cooldown"`
	// RequireTraffic skips the rule while the window holds no samples.
	RequireTraffic bool `json:"require_traffic"`
}

// Alert is one firing of a rule.
type Alert struct {
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Expr      string    `json:"expr"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	FiredAt   time.Time `json:"fired_at"`
}

// Notifier delivers fired alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// DefaultRules builds the standard rules from the alert thresholds.
func DefaultRules(cfg config.MonitoringConfig) []Rule {
	th := cfg.AlertThresholds
	cooldown := cfg.AlertCooldown
	var rules []Rule
	if th.ErrorRate > 0 {
		rules = append(rules, Rule{Name: "high_error_rate", Expr: ExprErrorRate, Comparator: ">", Threshold: th.ErrorRate, Severity: "critical", Cooldown: cooldown, RequireTraffic: true})
	}
	if th.LatencyP99MS > 0 {
		rules = append(rules, Rule{Name: "high_latency_p99", Expr: ExprLatencyP99, Comparator: ">", Threshold: th.LatencyP99MS, Severity: "warning", Cooldown: cooldown, RequireTraffic: true})
	}
	if th.ThroughputMin > 0 {
		rules = append(rules, Rule{Name: "low_throughput", Expr: ExprThroughput, Comparator: "<", Threshold: th.ThroughputMin, Severity: "warning", Cooldown: cooldown, RequireTraffic: true})
	}
	if th.ReplicationLagSec > 0 {
		rules = append(rules, Rule{Name: "high_replication_lag", Expr: ExprReplicationLag, Comparator: ">", Threshold: th.ReplicationLagSec, Severity: "critical", Cooldown: cooldown})
	}
	return rules
}

// Evaluator checks rules against the metrics window and enforces cooldowns.
type Evaluator struct {
	metrics   *Metrics
	rules     []Rule
	window    time.Duration
	notifiers []Notifier
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
	recent    []Alert
}

// NewEvaluator creates an evaluator over m aggregating the last window of samples.
func NewEvaluator(m *Metrics, rules []Rule, window time.Duration, logger *zap.Logger, notifiers ...Notifier) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		metrics:   m,
		rules:     rules,
		window:    window,
		notifiers: notifiers,
		logger:    logger.With(zap.String("component", "alerts")),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Evaluate checks every rule once and returns the alerts that fired.
func (e *Evaluator) Evaluate(ctx context.Context) []Alert {
	now := e.now()
	stats := e.metrics.Window().Stats(now, e.window)
	e.metrics.Throughput.Set(stats.Throughput)

	var fired []Alert
	for _, r := range e.rules {
		if r.RequireTraffic && stats.Samples == 0 {
			continue
		}
		value, ok := e.value(r.Expr, stats)
		if !ok || !compare(value, r.Comparator, r.Threshold) {
			continue
		}

		e.mu.Lock()
		last, seen := e.lastFired[r.Name]
		if seen && now.Sub(last) < r.Cooldown {
			e.mu.Unlock()
			continue
		}
		e.lastFired[r.Name] = now
		alert := Alert{
			Rule:      r.Name,
			Severity:  r.Severity,
			Expr:      r.Expr,
			Value:     value,
			Threshold: r.Threshold,
			Message:   fmt.Sprintf("%s %s %g (value %.4g)", r.Expr, r.Comparator, r.Threshold, value),
			FiredAt:   now,
		}
		e.recent = append(e.recent, alert)
		if len(e.recent) > 100 {
			e.recent = e.recent[len(e.recent)-100:]
		}
		e.mu.Unlock()

		e.metrics.Alerts.WithLabelValues(r.Name, r.Severity).Inc()
		e.logger.Warn("alert fired",
			zap.String("rule", r.Name),
			zap.String("severity", r.Severity),
			zap.Float64("value", value),
			zap.Float64("threshold", r.Threshold))
		for _, n := range e.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				e.logger.Warn("alert notification failed", zap.String("rule", r.Name), zap.Error(err))
			}
		}
		fired = append(fired, alert)
	}
	return fired
}

// Run evaluates every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Recent returns the last fired alerts, oldest first.
func (e *Evaluator) Recent() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.recent...)
}

func (e *Evaluator) value(expr string, st Stats) (float64, bool) {
	switch expr {
	case ExprErrorRate:
		return st.ErrorRate, true
	case ExprLatencyP99:
		return st.LatencyP99MS, true
	case ExprThroughput:
		return st.Throughput, true
	case ExprReplicationLag:
		return e.metrics.ReplicationLagSeconds(), true
	default:
		return 0, false
	}
}

func compare(v float64, cmp string, threshold float64) bool {
	switch cmp {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	default:
		return false
	}
}

// WebhookNotifier POSTs alerts as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a notifier with a 10s client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
