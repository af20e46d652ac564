package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// SampleKind tells what a Sample measures.
type SampleKind int

const (
	// KindProcessed counts applied events
	KindProcessed SampleKind = iota
	// KindFailed counts failed events
	KindFailed
	// KindLatency is a batch apply duration in milliseconds
	KindLatency
)

// Sample is one timestamped observation.
type Sample struct {
	Time      time.Time
	Table     string
	Operation string
	Kind      SampleKind
	Value     float64
}

// Stats aggregates the samples of a window.
type Stats struct {
	Processed    float64 `json:"processed"`
	Failed       float64 `json:"failed"`
	ErrorRate    float64 `json:"error_rate"`
	LatencyP99MS float64 `json:"latency_p99_ms"`
	LatencyAvgMS float64 `json:"latency_avg_ms"`
	Throughput   float64 `json:"throughput"`
	Samples      int     `json:"samples"`
}

// Window is an append-only sample log bounded by age and count.
type Window struct {
	mu         sync.Mutex
	samples    []Sample
	maxAge     time.Duration
	maxSamples int
}

// NewWindow creates a window retaining samples for maxAge, at most maxSamples.
func NewWindow(maxAge time.Duration, maxSamples int) *Window {
	return &Window{maxAge: maxAge, maxSamples: maxSamples}
}

// Add appends a sample, dropping expired or excess old samples.
func (w *Window) Add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	w.evictLocked(s.Time)
}

func (w *Window) evictLocked(now time.Time) {
	cut := 0
	if w.maxAge > 0 {
		limit := now.Add(-w.maxAge)
		for cut < len(w.samples) && w.samples[cut].Time.Before(limit) {
			cut++
		}
	}
	if over := len(w.samples) - cut - w.maxSamples; w.maxSamples > 0 && over > 0 {
		cut += over
	}
	if cut > 0 {
		w.samples = append(w.samples[:0], w.samples[cut:]...)
	}
}

// Stats aggregates the samples newer than now-d.
func (w *Window) Stats(now time.Time, d time.Duration) Stats {
	w.mu.Lock()
	since := now.Add(-d)
	var (
		st        Stats
		latencies []float64
	)
	for i := len(w.samples) - 1; i >= 0; i-- {
		s := w.samples[i]
		if s.Time.Before(since) {
			break
		}
		st.Samples++
		switch s.Kind {
		case KindProcessed:
			st.Processed += s.Value
		case KindFailed:
			st.Failed += s.Value
		case KindLatency:
			latencies = append(latencies, s.Value)
		}
	}
	w.mu.Unlock()

	if total := st.Processed + st.Failed; total > 0 {
		st.ErrorRate = st.Failed / total
	}
	if d > 0 {
		st.Throughput = st.Processed / d.Seconds()
	}
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		idx := int(float64(len(latencies))*0.99+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		st.LatencyP99MS = latencies[idx]
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		st.LatencyAvgMS = sum / float64(len(latencies))
	}
	return st
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}
