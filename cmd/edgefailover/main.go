package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgefailover/internal/config"
	"edgefailover/internal/failover"
	"edgefailover/internal/hysteresis"
	"edgefailover/internal/logging"
	"edgefailover/internal/models"
	"edgefailover/internal/monitor"
	"edgefailover/internal/probe"
	"edgefailover/internal/remote"
	"edgefailover/internal/report"
	"edgefailover/internal/server"
	"edgefailover/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file (YAML)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, *configPath)
	stop()
	os.Exit(code)
}

// run wires the daemon and blocks until ctx is cancelled. It returns the
// process exit code.
func run(ctx context.Context, configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgefailover: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgefailover: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		"path", configPath,
		"primary", cfg.Primary.HostPort(),
		"standby", cfg.Standby.HostPort(),
		"check_interval", cfg.CommandPlaneInterval().String(),
		"failure_threshold", cfg.FailureThreshold,
		"recovery_threshold", cfg.RecoveryThreshold,
	)

	executor, err := remote.NewSSHExecutor(remote.Options{
		KnownHostsFile:    cfg.SSH.KnownHosts,
		DialRatePerMinute: cfg.SSH.DialRatePerMinute,
		DialBurst:         cfg.SSH.DialBurst,
		Logger:            logger.With("component", "ssh"),
	})
	if err != nil {
		logger.Error("initialise ssh executor", "error", err)
		return 1
	}
	defer func() {
		if err := executor.Close(); err != nil {
			logger.Warn("close ssh connections", "error", err)
		}
	}()

	controller := failover.New(failover.Options{
		Executor:          executor,
		Standby:           cfg.Standby,
		ActivateCommand:   cfg.Commands.ActivateStandby,
		DeactivateCommand: cfg.Commands.DeactivateStandby,
		Logger:            logger,
	})
	controller.OnEvent(func(ev models.FailoverEvent) {
		logger.Info("failover event",
			"id", ev.ID,
			"kind", ev.Kind,
			"source", ev.Source,
			"action", ev.Action,
			"success", ev.Success,
			"backup_active", ev.BackupActive,
		)
	})

	var journal *storage.Journal
	if cfg.Journal.Path != "" {
		journal, err = storage.OpenJournal(cfg.Journal.Path, cfg.Journal.MaxEntries)
		if err != nil {
			logger.Error("open transition journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		controller.OnEvent(func(ev models.FailoverEvent) {
			if err := journal.Append(ev); err != nil {
				logger.Warn("append to transition journal", "error", err)
			}
		})
	}

	evaluator := probe.NewEvaluator(cfg.Commands.TotalLossPattern)
	loops := []*monitor.Loop{
		monitor.New(monitor.Options{
			Prober:       probe.NewCommandPlane(executor, cfg.Primary, cfg.Commands.PingTest),
			Evaluator:    evaluator,
			Tracker:      hysteresis.New(models.SourceCommandPlane, cfg.FailureThreshold, cfg.RecoveryThreshold),
			Controller:   controller,
			Interval:     cfg.CommandPlaneInterval(),
			ErrorBackoff: cfg.ErrorBackoff(),
			Logger:       logger,
		}),
	}
	if cfg.Connectivity.Enabled {
		loops = append(loops, monitor.New(monitor.Options{
			Prober: probe.NewConnectivity(probe.ConnectivityOptions{
				Method:         cfg.Connectivity.Method,
				Target:         cfg.Connectivity.Target,
				Attempts:       cfg.Connectivity.Attempts,
				AttemptTimeout: time.Duration(cfg.Connectivity.AttemptTimeoutMs) * time.Millisecond,
				Logger:         logger.With("component", "connectivity"),
			}),
			Evaluator:    evaluator,
			Tracker:      hysteresis.New(models.SourceConnectivity, cfg.Connectivity.FailureThreshold, cfg.Connectivity.RecoveryThreshold),
			Controller:   controller,
			Interval:     cfg.ConnectivityInterval(),
			ErrorBackoff: cfg.ErrorBackoff(),
			Logger:       logger,
		}))
	}

	sources := make([]monitor.VerdictSource, 0, len(loops))
	for _, l := range loops {
		sources = append(sources, l)
	}

	var reporter *report.Reporter
	if cfg.Report.Schedule != "" {
		reporter, err = report.New(cfg.Report.Schedule, cfg.ReportWindow(), sources, logger)
		if err != nil {
			logger.Error("schedule availability report", "error", err)
			return 1
		}
	}

	var srv *server.Server
	if cfg.Status.Listen != "" {
		opts := server.Options{
			Addr:         cfg.Status.Listen,
			Controller:   controller,
			Sources:      sources,
			HistoryLimit: cfg.Status.HistoryLimit,
			Logger:       logger,
		}
		if journal != nil {
			opts.Journal = journal
		}
		srv = server.New(opts)
		controller.OnEvent(srv.Hub().Publish)
	}

	// Nothing below may fail: every goroutine started here is waited on
	// during shutdown.
	controllerDone := make(chan struct{})
	go func() {
		defer close(controllerDone)
		controller.Run(ctx)
	}()
	for _, l := range loops {
		l.Start(ctx)
	}
	if reporter != nil {
		reporter.Start()
		defer reporter.Stop()
	}
	if srv != nil {
		go func() {
			if err := srv.Run(); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	logger.Info("edgefailover running", "loops", len(loops))
	<-ctx.Done()
	logger.Info("shutdown requested")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
		cancel()
	}
	for _, l := range loops {
		l.Stop()
	}
	<-controllerDone

	logger.Info("edgefailover stopped")
	return 0
}
