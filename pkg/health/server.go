// Package health serves the liveness, readiness and detailed health
// endpoints of a running pipeline together with its prometheus metrics.
package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/starsync/internal/pipeline"
	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/observability"
)

// Check names reported by /health.
const (
	CheckSource   = "postgres_connection"
	CheckTarget   = "starrocks_connection"
	CheckStore    = "checkpoint_store"
	CheckPipeline = "pipeline"
	CheckSystem   = "system_resources"
)

// Pipeline is the view of the running pipeline the health endpoints need.
type Pipeline interface {
	Started() bool
	Heartbeat() time.Time
	Jobs() []pipeline.JobStatus
	LastCheckpoint() *checkpoint.Checkpoint
	Position() cdc.LSN
	DeadLetterStats() deadletter.Stats
	SourceStatus() cdc.Status
}

// AlertSource lists recently fired alerts.
type AlertSource interface {
	Recent() []metrics.Alert
}

// Resources is a point-in-time view of host usage.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// ResourceReader samples host resources.
type ResourceReader func(ctx context.Context) (Resources, error)

// SystemResources reads cpu and memory usage through gopsutil.
func SystemResources(ctx context.Context) (Resources, error) {
	res := Resources{Goroutines: runtime.NumGoroutine()}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return res, fmt.Errorf("read cpu usage: %w", err)
	}
	if len(pct) > 0 {
		res.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return res, fmt.Errorf("read memory usage: %w", err)
	}
	res.MemoryPercent = vm.UsedPercent
	res.MemoryUsedMB = vm.Used / 1024 / 1024
	return res, nil
}

// Options wires the server to the components it reports on. Nil probes and
// a nil pipeline are left out of the report.
type Options struct {
	Source   Probe
	Target   Probe
	Store    Probe
	Pipeline Pipeline
	Metrics  *metrics.Metrics
	Alerts   AlertSource

	Resources ResourceReader
	// ResourceLimit is the cpu or memory percentage above which the host is
	// reported degraded.
	ResourceLimit    float64
	LivenessTimeout  time.Duration
	CheckInterval    time.Duration
	FailureThreshold int
	// StatsWindow is the metrics window summarised by /health/detailed.
	StatsWindow time.Duration
}

// Report is the body of /health.
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
}

// DetailedReport is the body of /health/detailed.
type DetailedReport struct {
	Report
	UptimeSeconds  float64                `json:"uptime_seconds"`
	Jobs           []pipeline.JobStatus   `json:"jobs,omitempty"`
	Position       cdc.LSN                `json:"position"`
	Checkpoint     *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	Capture        *cdc.Status            `json:"capture,omitempty"`
	DeadLetter     *deadletter.Stats      `json:"dead_letter,omitempty"`
	Metrics        *metrics.Stats         `json:"metrics,omitempty"`
	ReplicationLag float64                `json:"replication_lag_seconds"`
	Alerts         []metrics.Alert        `json:"alerts"`
}

// Server answers the health and metrics endpoints.
type Server struct {
	opts     Options
	checkers []*Checker
	echo     *echo.Echo
	logger   *zap.Logger
	started  time.Time
	now      func() time.Time
}

// NewServer builds the echo router for opts.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Resources == nil {
		opts.Resources = SystemResources
	}
	if opts.ResourceLimit <= 0 {
		opts.ResourceLimit = 90
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 2 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 15 * time.Second
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 5 * time.Minute
	}
	s := &Server{
		opts:    opts,
		logger:  logger.With(zap.String("component", "health")),
		started: time.Now(),
		now:     time.Now,
	}
	for _, p := range []struct {
		name  string
		probe Probe
	}{{CheckSource, opts.Source}, {CheckTarget, opts.Target}, {CheckStore, opts.Store}} {
		if p.probe != nil {
			s.checkers = append(s.checkers, NewChecker(p.name, p.probe, opts.FailureThreshold, 5*time.Second, s.logger))
		}
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.logger.Error("panic in health handler", zap.Error(err), zap.ByteString("stack", stack))
			return nil
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogMethod:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.Use(observability.EchoMiddleware("starsync"))

	e.GET("/health", s.handleHealth)
	e.GET("/health/ready", s.handleReady)
	e.GET("/health/live", s.handleLive)
	e.GET("/health/detailed", s.handleDetailed)
	if s.opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
	}
	return e
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Refresh probes every dependency once.
func (s *Server) Refresh(ctx context.Context) {
	for _, c := range s.checkers {
		c.Check(ctx)
	}
}

// Serve probes dependencies in the background and listens on addr until ctx
// is done. When metricsAddr is set and differs from addr, /metrics is also
// served there.
func (s *Server) Serve(ctx context.Context, addr, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.checkers {
		g.Go(func() error {
			c.Run(ctx, s.opts.CheckInterval)
			return nil
		})
	}
	g.Go(func() error { return s.listen(ctx, s.echo, addr) })

	if metricsAddr != "" && metricsAddr != addr && s.opts.Metrics != nil {
		me := echo.New()
		me.HideBanner = true
		me.HidePort = true
		me.GET("/metrics", echo.WrapHandler(s.opts.Metrics.Handler()))
		g.Go(func() error { return s.listen(ctx, me, metricsAddr) })
	}
	return g.Wait()
}

func (s *Server) listen(ctx context.Context, e *echo.Echo, addr string) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errc <- e.Start(addr)
	}()
	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", zap.String("addr", addr), zap.Error(err))
		}
		return nil
	}
}

// Report evaluates every check.
func (s *Server) Report(ctx context.Context) Report {
	now := s.now()
	rep := Report{Status: StatusHealthy, Timestamp: now, Checks: map[string]Result{}}
	add := func(r Result) {
		if r.CheckedAt.IsZero() {
			r.CheckedAt = now
		}
		rep.Checks[r.Name] = r
		rep.Status = worst(rep.Status, r.Status)
	}
	for _, c := range s.checkers {
		add(c.Result())
	}
	if p := s.opts.Pipeline; p != nil {
		add(s.pipelineResult(p, now))
		for _, j := range p.Jobs() {
			add(jobResult(j))
		}
	}
	add(s.systemResult(ctx))
	return rep
}

func (s *Server) pipelineResult(p Pipeline, now time.Time) Result {
	res := Result{Name: CheckPipeline, Status: StatusHealthy, Details: map[string]any{
		"position": p.Position().String(),
	}}
	if cp := p.LastCheckpoint(); cp != nil {
		res.Details["last_checkpoint"] = cp.CreatedAt
		res.Details["checkpoint_sequence"] = cp.Sequence
	}
	if dl := p.DeadLetterStats(); dl.Dropped > 0 {
		res.Details["dead_letters_dropped"] = dl.Dropped
	}
	switch {
	case !p.Started():
		res.Status = StatusDegraded
		res.Message = "starting"
	case !s.alive(p, now):
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("no progress for %s", now.Sub(p.Heartbeat()).Truncate(time.Second))
	}
	return res
}

func jobResult(j pipeline.JobStatus) Result {
	res := Result{
		Name:   "job_" + j.Name,
		Status: StatusHealthy,
		Details: map[string]any{
			"kind":     j.Kind,
			"state":    string(j.State),
			"errors":   j.Errors,
			"restarts": j.Restarts,
		},
	}
	if j.QueueDepth > 0 {
		res.Details["queue_depth"] = j.QueueDepth
	}
	switch {
	case j.Halted:
		res.Status = StatusUnhealthy
		res.Message = "halted: " + j.LastError
	case j.State == pipeline.JobRestarting || !j.Healthy():
		res.Status = StatusDegraded
		res.Message = j.LastError
	}
	return res
}

func (s *Server) systemResult(ctx context.Context) Result {
	res := Result{Name: CheckSystem, Status: StatusHealthy}
	r, err := s.opts.Resources(ctx)
	if err != nil {
		res.Status = StatusDegraded
		res.Message = err.Error()
		return res
	}
	res.Details = map[string]any{
		"cpu_percent":    r.CPUPercent,
		"memory_percent": r.MemoryPercent,
		"memory_used_mb": r.MemoryUsedMB,
		"goroutines":     r.Goroutines,
	}
	if r.CPUPercent > s.opts.ResourceLimit || r.MemoryPercent > s.opts.ResourceLimit {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("resource usage above %.0f%%", s.opts.ResourceLimit)
	}
	return res
}

// alive reports whether the pipeline heartbeat is within the liveness
// timeout. Before the first heartbeat the server start time is used.
func (s *Server) alive(p Pipeline, now time.Time) bool {
	last := p.Heartbeat()
	if last.Before(s.started) {
		last = s.started
	}
	return now.Sub(last) <= s.opts.LivenessTimeout
}

func (s *Server) handleHealth(c echo.Context) error {
	rep := s.Report(c.Request().Context())
	return c.JSON(statusCode(rep.Status), rep)
}

func (s *Server) handleReady(c echo.Context) error {
	var reasons []string
	for _, ch := range s.checkers {
		if r := ch.Result(); r.Status != StatusHealthy {
			reasons = append(reasons, fmt.Sprintf("%s is %s", r.Name, r.Status))
		}
	}
	if p := s.opts.Pipeline; p != nil && !p.Started() {
		reasons = append(reasons, "pipeline not started")
	}
	if len(reasons) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reasons": reasons})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(c echo.Context) error {
	if p := s.opts.Pipeline; p != nil && !s.alive(p, s.now()) {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":         "dead",
			"last_heartbeat": p.Heartbeat(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleDetailed(c echo.Context) error {
	now := s.now()
	rep := DetailedReport{
		Report:        s.Report(c.Request().Context()),
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Alerts:        []metrics.Alert{},
	}
	if p := s.opts.Pipeline; p != nil {
		rep.Jobs = p.Jobs()
		rep.Position = p.Position()
		rep.Checkpoint = p.LastCheckpoint()
		st := p.SourceStatus()
		rep.Capture = &st
		dl := p.DeadLetterStats()
		rep.DeadLetter = &dl
	}
	if m := s.opts.Metrics; m != nil {
		st := m.Window().Stats(now, s.opts.StatsWindow)
		rep.Metrics = &st
		rep.ReplicationLag = m.ReplicationLagSeconds()
	}
	if s.opts.Alerts != nil {
		rep.Alerts = append(rep.Alerts, s.opts.Alerts.Recent()...)
	}
	return c.JSON(statusCode(rep.Status), rep)
}

func statusCode(st Status) int {
	if st == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// jsonSerializer encodes responses with goccy/go-json.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
