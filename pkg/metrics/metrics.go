// Package metrics provides the prometheus metrics of starsync together with
// the rolling sample window used for alert evaluation.
//
// # Overview
//
// Every pipeline stage records into a single *Metrics value:
//   - events processed and failed per table
//   - processing latency and batch size histograms
//   - checkpoint success and failure counters
//   - replication lag, job state and throughput gauges
//   - supervisor retry attempts and outcomes
//
// Alongside the prometheus collectors, processed/failed/latency observations
// are appended to a Window so alert rules can be evaluated over a rolling
// time range without scraping.
//
// # Basic Usage
//
//	m := metrics.New()
//	m.RecordProcessed("users", "upsert", 250, 40*time.Millisecond)
//	m.RecordBatch("users", 250)
//	http.Handle("/metrics", m.Handler())
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "starsync"

var (
	latencyBuckets   = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10}
	batchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
)

// Metrics owns the registry and every collector.
type Metrics struct {
	registry *prometheus.Registry
	window   *Window

	EventsProcessed   *prometheus.CounterVec
	EventsFailed      *prometheus.CounterVec
	ProcessingLatency *prometheus.HistogramVec
	BatchSize         *prometheus.HistogramVec
	Checkpoints       *prometheus.CounterVec
	LastCheckpoint    prometheus.Gauge
	ReplicationLag    prometheus.Gauge
	Jobs              *prometheus.GaugeVec
	Retries           *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec
	DeadLetterDropped prometheus.Counter
	Throughput        prometheus.Gauge
	QueueDepth        *prometheus.GaugeVec
	Alerts            *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry with the Go and process collectors.
func New() *Metrics {
	return NewWithWindow(NewWindow(time.Hour, 100000))
}

// NewWithWindow is New with a caller supplied sample window.
func NewWithWindow(window *Window) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   window,

		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Change events applied to the target",
		}, []string{"table", "operation"}),

		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Change events that failed, by error class",
		}, []string{"table", "error_class"}),

		ProcessingLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_latency_seconds",
			Help:      "Time to apply a batch to the target",
			Buckets:   latencyBuckets,
		}, []string{"table", "operation"}),

		BatchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Events per applied batch",
			Buckets:   batchSizeBuckets,
		}, []string{"table"}),

		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts by status",
		}, []string{"status"}),

		LastCheckpoint: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_checkpoint_timestamp_seconds",
			Help:      "Unix time of the last committed checkpoint",
		}),

		ReplicationLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_lag_seconds",
			Help:      "Seconds between source commit and target apply of the latest event",
		}),

		Jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs by state",
		}, []string{"state"}),

		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts and final outcomes of supervised operations",
		}, []string{"operation", "outcome"}),

		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_total",
			Help:      "Rows diverted to the dead-letter path",
		}, []string{"table"}),

		DeadLetterDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letter_dropped_total",
			Help:      "Dead-letter records dropped because the writer buffer was full",
		}),

		Throughput: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_events_per_second",
			Help:      "Events applied per second over the alert window",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in a table queue",
		}, []string{"table"}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert rule firings",
		}, []string{"rule", "severity"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Window returns the rolling sample window.
func (m *Metrics) Window() *Window { return m.window }

// Handler serves the prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordProcessed records n events applied in one call that took latency.
func (m *Metrics) RecordProcessed(table, operation string, n int, latency time.Duration) {
	if n <= 0 {
		return
	}
	m.EventsProcessed.WithLabelValues(table, operation).Add(float64(n))
	m.ProcessingLatency.WithLabelValues(table, operation).Observe(latency.Seconds())
	now := time.Now()
	m.window.Add(Sample{Time: now, Table: table, Operation: operation, Kind: KindProcessed, Value: float64(n)})
	m.window.Add(Sample{Time: now, Table: table, Operation: operation, Kind: KindLatency, Value: float64(latency.Milliseconds())})
}

// RecordFailed records n failed events of the given error class.
func (m *Metrics) RecordFailed(table, errorClass string, n int) {
	if n <= 0 {
		return
	}
	m.EventsFailed.WithLabelValues(table, errorClass).Add(float64(n))
	m.window.Add(Sample{Time: time.Now(), Table: table, Operation: errorClass, Kind: KindFailed, Value: float64(n)})
}

// RecordBatch records the size of an applied batch.
func (m *Metrics) RecordBatch(table string, size int) {
	m.BatchSize.WithLabelValues(table).Observe(float64(size))
}

// RecordCheckpoint records a checkpoint outcome.
func (m *Metrics) RecordCheckpoint(success bool, at time.Time) {
	if !success {
		m.Checkpoints.WithLabelValues("failure").Inc()
		return
	}
	m.Checkpoints.WithLabelValues("success").Inc()
	m.LastCheckpoint.Set(float64(at.Unix()))
}

// SetReplicationLag updates the lag gauge.
func (m *Metrics) SetReplicationLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.ReplicationLag.Set(lag.Seconds())
}

// SetJobs updates the job gauges.
func (m *Metrics) SetJobs(active, errored int) {
	m.Jobs.WithLabelValues("active").Set(float64(active))
	m.Jobs.WithLabelValues("error").Set(float64(errored))
}

// SetQueueDepth updates the depth of a table queue.
func (m *Metrics) SetQueueDepth(table string, depth int) {
	m.QueueDepth.WithLabelValues(table).Set(float64(depth))
}

// RecordDeadLetter counts a row diverted to dead-letter.
func (m *Metrics) RecordDeadLetter(table string) {
	m.DeadLetters.WithLabelValues(table).Inc()
}

// RecordDeadLetterDropped counts a dead-letter record lost to a full buffer.
func (m *Metrics) RecordDeadLetterDropped() {
	m.DeadLetterDropped.Inc()
}

// RetryAttempt implements supervisor.Observer.
func (m *Metrics) RetryAttempt(operation string) {
	m.Retries.WithLabelValues(operation, "attempt").Inc()
}

// RetryOutcome implements supervisor.Observer.
func (m *Metrics) RetryOutcome(operation, outcome string) {
	m.Retries.WithLabelValues(operation, outcome).Inc()
}

// ReplicationLagSeconds returns the current lag gauge value.
func (m *Metrics) ReplicationLagSeconds() float64 {
	return gaugeValue(m.ReplicationLag)
}

// UpdateThroughput recomputes the throughput gauge over window and returns it.
func (m *Metrics) UpdateThroughput(window time.Duration) float64 {
	stats := m.window.Stats(time.Now(), window)
	m.Throughput.Set(stats.Throughput)
	return stats.Throughput
}
