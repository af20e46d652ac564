package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/metrics"
)

// JobState is the lifecycle state of a long-running job.
type JobState string

const (
	JobCreated       JobState = "created"
	JobRunning       JobState = "running"
	JobCheckpointing JobState = "checkpointing"
	JobFailed        JobState = "failed"
	JobRestarting    JobState = "restarting"
	JobStopped       JobState = "stopped"
)

// Job kinds.
const (
	KindCapture = "capture"
	KindTable   = "table"
)

type command int

const (
	cmdRestart command = iota + 1
	cmdHalt
)

// JobStatus is a point-in-time copy of a job.
type JobStatus struct {
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	State          JobState  `json:"state"`
	Halted         bool      `json:"halted,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Errors         int       `json:"errors"`
	Restarts       int       `json:"restarts"`
	LastError      string    `json:"last_error,omitempty"`
	LastCheckpoint time.Time `json:"last_checkpoint,omitempty"`
	QueueDepth     int       `json:"queue_depth,omitempty"`
}

// Healthy reports whether the job is making progress.
func (s JobStatus) Healthy() bool {
	switch s.State {
	case JobRunning, JobCheckpointing, JobRestarting, JobCreated:
		return true
	}
	return false
}

// Job tracks one capture or table job.
type Job struct {
	name string
	kind string

	mu     sync.Mutex
	status JobStatus
	// control carries restart and halt decisions to table workers
	control chan command
	depth   func() int
}

func newJob(name, kind string) *Job {
	return &Job{
		name:    name,
		kind:    kind,
		status:  JobStatus{Name: name, Kind: kind, State: JobCreated},
		control: make(chan command, 1),
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s == JobRunning && j.status.StartedAt.IsZero() {
		j.status.StartedAt = time.Now()
	}
	j.status.State = s
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.State = JobFailed
	j.status.Errors++
	if err != nil {
		j.status.LastError = err.Error()
	}
}

func (j *Job) restarted() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.State = JobRestarting
	j.status.Restarts++
}

func (j *Job) halt() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Halted = true
	j.status.State = JobFailed
}

func (j *Job) checkpointed(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.LastCheckpoint = at
}

// Status returns a copy of the job's status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	s := j.status
	j.mu.Unlock()
	if j.depth != nil {
		s.QueueDepth = j.depth()
	}
	return s
}

// send delivers cmd unless one is already waiting.
func (j *Job) send(cmd command) bool {
	select {
	case j.control <- cmd:
		return true
	default:
		return false
	}
}

// Registry holds every job of a service run.
type Registry struct {
	mu   sync.RWMutex
	jobs []*Job
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) add(j *Job) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return j
}

// Snapshot returns the status of every job sorted by kind and name.
func (r *Registry) Snapshot() []JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Status())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Kind != out[b].Kind {
			return out[a].Kind < out[b].Kind
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Monitor is the job supervisor loop. It publishes job gauges and decides
// whether a failed table job is restarted or halted.
type Monitor struct {
	registry        *Registry
	metrics         *metrics.Metrics
	interval        time.Duration
	restartAttempts int
	logger          *zap.Logger
}

// NewMonitor creates a monitor ticking every interval.
func NewMonitor(registry *Registry, m *metrics.Metrics, interval time.Duration, restartAttempts int, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		registry:        registry,
		metrics:         m,
		interval:        interval,
		restartAttempts: restartAttempts,
		logger:          logger.With(zap.String("component", "job_monitor")),
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one supervision pass.
func (m *Monitor) Check() {
	m.registry.mu.RLock()
	jobs := append([]*Job(nil), m.registry.jobs...)
	m.registry.mu.RUnlock()

	active, errored := 0, 0
	for _, j := range jobs {
		st := j.Status()
		if st.Kind == KindTable && m.metrics != nil {
			m.metrics.SetQueueDepth(st.Name, st.QueueDepth)
		}
		switch st.State {
		case JobRunning, JobCheckpointing, JobRestarting:
			active++
		case JobFailed:
			errored++
		}

		if st.Kind != KindTable || st.State != JobFailed || st.Halted {
			continue
		}
		if st.Errors <= m.restartAttempts {
			if j.send(cmdRestart) {
				m.logger.Warn("restarting failed table job",
					zap.String("job", st.Name),
					zap.Int("errors", st.Errors),
					zap.String("last_error", st.LastError))
			}
			continue
		}
		if j.send(cmdHalt) {
			m.logger.Error("table job exceeded restart attempts, halting",
				zap.String("job", st.Name),
				zap.Int("errors", st.Errors),
				zap.Int("restart_attempts", m.restartAttempts),
				zap.String("last_error", st.LastError))
		}
	}
	if m.metrics != nil {
		m.metrics.SetJobs(active, errored)
	}
}
