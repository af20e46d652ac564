package main

import (
	"context"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/starsync/internal/pipeline"
	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/checkpoint"
	"github.com/ajitpratap0/starsync/pkg/clients"
	"github.com/ajitpratap0/starsync/pkg/config"
	"github.com/ajitpratap0/starsync/pkg/deadletter"
	"github.com/ajitpratap0/starsync/pkg/errors"
	"github.com/ajitpratap0/starsync/pkg/health"
	"github.com/ajitpratap0/starsync/pkg/loader"
	"github.com/ajitpratap0/starsync/pkg/logger"
	"github.com/ajitpratap0/starsync/pkg/metrics"
	"github.com/ajitpratap0/starsync/pkg/observability"
	"github.com/ajitpratap0/starsync/pkg/supervisor"
)

const startupTimeout = 30 * time.Second

// newLogger builds the process logger. k8s deployments always log JSON.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	encoding := cfg.Logging.Format
	if cfg.DeploymentMode == config.DeploymentK8s {
		encoding = "json"
	}
	return logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    encoding,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.BackupCount,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
}

// listenAddr is the address of port, on every interface in k8s mode.
func listenAddr(cfg *config.Config, port int) string {
	host := cfg.Monitoring.BindAddress
	if cfg.DeploymentMode == config.DeploymentK8s {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// run connects to every dependency, failing fast when one is unreachable,
// then replicates until a signal arrives or a fatal error occurs.
func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log, err := newLogger(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to build logger")
	}
	restore := logger.Replace(log)
	defer restore()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, cfg.Tracing, observability.Options{
		Version:     version,
		Environment: cfg.DeploymentMode,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialise tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	log.Info("starting starsync",
		zap.String("version", version),
		zap.String("mode", cfg.DeploymentMode),
		zap.String("source", cfg.Source.ID()),
		zap.String("target", cfg.Target.Addr()),
		zap.String("startup_mode", cfg.CDC.StartupMode),
		zap.Int("tables", len(cfg.EnabledTables())))

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	m := metrics.New()
	sup := supervisor.New(supervisor.PolicyFromConfig(cfg.ErrorHandling), m, log)

	sourcePool, err := clients.NewSourcePool(startCtx, cfg.Source, log)
	if err != nil {
		return err
	}
	defer sourcePool.Close()

	targetPool, err := clients.NewTargetPool(startCtx, cfg.Target, log)
	if err != nil {
		return err
	}
	defer func() { _ = targetPool.Close() }()

	target, err := loader.New(cfg.Target, targetPool, log)
	if err != nil {
		return err
	}
	defer func() { _ = target.Close() }()
	if err := target.Ping(startCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "starrocks is unreachable")
	}

	store, err := checkpoint.Open(startCtx, cfg.Checkpoint, targetPool, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Ping(startCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "checkpoint store is unreachable")
	}

	sink, err := deadletter.Open(cfg.ErrorHandling, log)
	if err != nil {
		return err
	}

	svc, err := pipeline.New(cfg, pipeline.Deps{
		Source:     cdc.NewPostgresCapture(cfg, sourcePool, sup, log),
		Target:     target,
		Store:      store,
		DeadLetter: sink,
		Metrics:    m,
		Supervisor: sup,
	}, log)
	if err != nil {
		_ = sink.Close()
		return err
	}

	// auxiliary goroutines outlive ctx until the pipeline has drained
	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAux()
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	var g errgroup.Group

	if cfg.Monitoring.Enabled {
		var notifiers []metrics.Notifier
		if cfg.Monitoring.AlertWebhook != "" {
			notifiers = append(notifiers, metrics.NewWebhookNotifier(cfg.Monitoring.AlertWebhook))
		}
		evaluator := metrics.NewEvaluator(m, metrics.DefaultRules(cfg.Monitoring), cfg.Monitoring.AlertWindow, log, notifiers...)
		g.Go(func() error {
			evaluator.Run(auxCtx, cfg.Monitoring.MetricsCollectionInterval)
			return nil
		})

		srv := health.NewServer(health.Options{
			Source:          sourcePool.Ping,
			Target:          target.Ping,
			Store:           store.Ping,
			Pipeline:        svc,
			Metrics:         m,
			Alerts:          evaluator,
			LivenessTimeout: cfg.Monitoring.LivenessTimeout,
			CheckInterval:   cfg.Monitoring.JobCheckInterval,
			StatsWindow:     cfg.Monitoring.AlertWindow,
		}, log)
		healthAddr := listenAddr(cfg, cfg.Monitoring.HealthCheckPort)
		metricsAddr := listenAddr(cfg, cfg.Monitoring.MetricsPort)
		g.Go(func() error {
			err := srv.Serve(auxCtx, healthAddr, metricsAddr)
			if err != nil {
				// a health endpoint that cannot listen stops the service
				cancelRun(err)
			}
			return err
		})
	}

	runErr := svc.Run(runCtx)
	cancelAux()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		log.Error("starsync stopped with error",
			zap.String("error_class", string(supervisor.Classify(runErr))),
			zap.Error(runErr))
		return runErr
	}
	log.Info("starsync stopped",
		zap.String("position", svc.Position().String()),
		zap.Any("dead_letters", svc.DeadLetterStats()))
	return nil
}
