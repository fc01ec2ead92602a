package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/apiforge/internal/bus"
	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/cron"
	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/gateway"
	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/processors"
	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
	"github.com/basket/apiforge/internal/scheduler"
	"github.com/basket/apiforge/internal/shared"
	"github.com/basket/apiforge/internal/telemetry"
	"github.com/basket/apiforge/internal/tui"
	"github.com/basket/apiforge/internal/workload"
)

type runOptions struct {
	workload  string
	session   string
	mode      string
	processor string
	serve     bool
	dashboard bool

	minWorkers     int
	maxWorkers     int
	initialWorkers int
}

func runCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [workload]",
		Short: "Enqueue a workload and process it until the queue drains",
		Long: `Load a workload file (JSON or YAML), enqueue one task per endpoint and run
the adaptive scheduler until every task is terminal or the run is
interrupted. A summary report is printed at the end.

Passing an existing --session resumes it: already-queued endpoints are not
enqueued twice and interrupted tasks are returned to the queue.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if opts.workload != "" && opts.workload != args[0] {
					return usageErrorf("workload given twice: %q and %q", opts.workload, args[0])
				}
				opts.workload = args[0]
			}
			if opts.workload == "" {
				return usageErrorf("a workload file is required (run -w endpoints.yaml)")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(&cfg); err != nil {
				return err
			}
			return executeRun(cmd.Context(), cfg, *opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.workload, "workload", "w", "", "workload file (.json, .yaml)")
	f.StringVar(&opts.session, "session", "", "session id to create or resume (default: new id)")
	f.StringVar(&opts.mode, "mode", "", "execution mode: auto, fast or smart (default from config)")
	f.StringVar(&opts.processor, "processor", "", "processor kind: noop, simulated or http (default from config)")
	f.BoolVar(&opts.serve, "serve", false, "serve the HTTP gateway while the run is active")
	f.BoolVar(&opts.dashboard, "tui", false, "show the live dashboard (requires a terminal)")
	f.IntVar(&opts.minWorkers, "min-workers", 0, "override the minimum worker count")
	f.IntVar(&opts.maxWorkers, "max-workers", 0, "override the maximum worker count")
	f.IntVar(&opts.initialWorkers, "initial-workers", 0, "override the initial worker count")
	return cmd
}

// apply layers command-line overrides on cfg and revalidates it.
func (o runOptions) apply(cfg *config.Config) error {
	if o.mode != "" {
		mode, err := progressive.ParseMode(o.mode)
		if err != nil {
			return usageErrorf("--mode: %v", err)
		}
		cfg.Scheduler.Mode = string(mode)
	}
	if o.processor != "" {
		cfg.Processor.Kind = o.processor
	}
	if o.minWorkers > 0 {
		cfg.Scheduler.MinWorkers = o.minWorkers
	}
	if o.maxWorkers > 0 {
		cfg.Scheduler.MaxWorkers = o.maxWorkers
	}
	if o.initialWorkers > 0 {
		cfg.Scheduler.InitialWorkers = o.initialWorkers
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: 2, err: err}
	}
	return nil
}

func schedulerOverrides(cfg config.Config) scheduler.Overrides {
	s := cfg.Scheduler
	return scheduler.Overrides{
		MinWorkers:         s.MinWorkers,
		MaxWorkers:         s.MaxWorkers,
		InitialWorkers:     s.InitialWorkers,
		ScaleUpThreshold:   s.ScaleUpThreshold,
		ScaleDownThreshold: s.ScaleDownThreshold,
		MonitoringInterval: cfg.MonitoringInterval(),
		Cooldown:           cfg.Cooldown(),
	}
}

func processorOptions(cfg config.Config, p *otelPkg.Provider, logger *slog.Logger) processors.Options {
	return processors.Options{
		URL:         cfg.Processor.URL,
		Headers:     cfg.Processor.Headers,
		Timeout:     time.Duration(cfg.Processor.TimeoutSeconds) * time.Second,
		Tracer:      p.Tracer,
		Logger:      logger,
		Latency:     time.Duration(cfg.Processor.SimulatedLatencyMS) * time.Millisecond,
		FailureRate: cfg.Processor.SimulatedFailureRate,
	}
}

// executeRun is the whole lifecycle of one run: enqueue, analyze, start,
// wait for drain or interrupt, stop and report.
func executeRun(ctx context.Context, cfg config.Config, opts runOptions, out io.Writer) error {
	w, err := workload.Load(opts.workload)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	if _, err := processors.New(processors.Kind(cfg.Processor.Kind), processors.Options{URL: cfg.Processor.URL}); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("processor: %w", err)}
	}

	interactive := opts.dashboard && isTerminal(out)
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	defer openAudit(cfg)()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := shutdownContext(5 * time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	events := bus.New()
	store, err := persistence.Open(cfg.DBPath, events)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if n, err := store.RecoverInProgress(ctx); err != nil {
		return fmt.Errorf("recover in-progress tasks: %w", err)
	} else if n > 0 {
		logger.Info("recovered interrupted tasks", "count", n)
	}

	sessionID := opts.session
	if sessionID == "" {
		sessionID = shared.NewID()
	}
	if err := enqueueWorkload(ctx, store, w, sessionID, cfg, opts, logger); err != nil {
		return err
	}

	registry := engine.NewRegistry()
	proc, err := processors.Register(registry, workload.TaskName, processors.Kind(cfg.Processor.Kind),
		processorOptions(cfg, provider, logger),
		engine.RetryPolicy{MaxRetries: cfg.TaskMaxRetries(), BaseDelay: cfg.RetryBaseDelay()})
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("processor: %w", err)}
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:          store,
		Registry:       registry,
		Bus:            events,
		Logger:         logger,
		Sampler:        scaler.NewHostSampler(),
		Metrics:        provider.Metrics,
		Tracer:         provider.Tracer,
		Mode:           progressive.Mode(cfg.Scheduler.Mode),
		SessionID:      sessionID,
		Overrides:      schedulerOverrides(cfg),
		DequeueTimeout: cfg.DequeueTimeout(),
		TaskTimeout:    cfg.TaskTimeout(),
		CPUCeiling:     cfg.Scheduler.CPUCeilingPercent,
		MemoryFloorMB:  cfg.Scheduler.MemoryFloorMB,
	})
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	strategy, err := sched.Analyze(ctx, w.Endpoints)
	if err != nil {
		return fmt.Errorf("analyze workload: %w", err)
	}
	if !interactive {
		p := sched.Pattern()
		fmt.Fprintf(out, "session %s: %d endpoints, pattern %s (%.0f%% confidence, %s), %d-%d workers starting at %d\n",
			sessionID, len(w.Endpoints), p.Name, p.Confidence*100, p.Complexity.Level,
			strategy.MinWorkers, strategy.MaxWorkers, strategy.InitialWorkers)
	}

	// Enumerated tasks are routed by name through the registry. The pool's
	// default processor is the same instance.
	factory := func(context.Context) (engine.Processor, error) { return proc, nil }
	if err := sched.Start(ctx, factory, nil); err != nil {
		_ = store.SetSessionStatus(context.WithoutCancel(ctx), sessionID, persistence.SessionFailed)
		return fmt.Errorf("start scheduler: %w", err)
	}

	maint, err := cron.NewScheduler(cron.Config{
		Store:           store,
		Bus:             events,
		Logger:          logger,
		PurgeSchedule:   cfg.Maintenance.PurgeSchedule,
		RecoverSchedule: cfg.Maintenance.RecoverSchedule,
		Retention:       cfg.Retention(),
		// Leave headroom past the task timeout so a slow but live task is
		// never handed to a second worker.
		StaleAfter: 2 * cfg.TaskTimeout(),
	})
	if err != nil {
		logger.Warn("maintenance jobs disabled", "error", err)
	} else {
		maint.Start(ctx)
		defer maint.Stop()
	}

	var gw *gateway.Server
	if opts.serve {
		gw, err = startGateway(ctx, cfg, gateway.Config{
			Store:     store,
			Scheduler: sched,
			Bus:       events,
			Logger:    logger,
			Tracer:    provider.Tracer,
			Metrics:   provider.Metrics,
		}, out)
		if err != nil {
			_, _ = sched.Stop(cfg.DrainTimeout())
			return err
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(watchCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go applyReloads(watcher.Events(), sched, gw, events, logger)
	}

	started := time.Now()
	var dashboardDone chan error
	if interactive {
		dashboardDone = make(chan error, 1)
		snapshot := liveSnapshot(store, sched, sessionID, started)
		go func() { dashboardDone <- tui.Run(ctx, snapshot, events) }()
	}

	interrupted := false
	select {
	case <-sched.Drained():
		logger.Info("queue drained", "session_id", sessionID)
	case <-ctx.Done():
		interrupted = true
		logger.Info("run interrupted", "session_id", sessionID)
	case err := <-dashboardDone:
		interrupted = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("dashboard exited", "error", err)
		}
	}

	res, err := sched.Stop(cfg.DrainTimeout())
	if err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		logger.Error("scheduler stop", "error", err)
	}
	if res.TimedOut {
		logger.Warn("drain timed out, in-flight tasks were cancelled", "timeout", cfg.DrainTimeout())
	}

	report := sched.GenerateReport()
	status := persistence.SessionCompleted
	switch {
	case interrupted:
		status = persistence.SessionPaused
	case report.Failed > 0:
		status = persistence.SessionFailed
	}
	sctx, cancel := shutdownContext(5 * time.Second)
	defer cancel()
	if err := store.SetSessionStatus(sctx, sessionID, status); err != nil {
		logger.Warn("update session status", "error", err)
	}

	fmt.Fprint(out, tui.RenderReport(report))
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d endpoints failed", report.Failed, report.TotalTasks)
	}
	return nil
}

// enqueueWorkload creates the session and queues its endpoints. Task IDs are
// derived from the session and endpoint, so resuming a session only queues
// endpoints added to the workload since the last run.
func enqueueWorkload(ctx context.Context, store *persistence.Store, w workload.Workload, sessionID string, cfg config.Config, opts runOptions, logger *slog.Logger) error {
	if _, err := store.GetSession(ctx, sessionID); err == nil {
		logger.Info("resuming session", "session_id", sessionID)
		if err := store.SetSessionStatus(ctx, sessionID, persistence.SessionActive); err != nil {
			return fmt.Errorf("reactivate session: %w", err)
		}
	} else if errors.Is(err, persistence.ErrSessionNotFound) {
		_, err := store.CreateSession(ctx, persistence.SessionConfig{
			ID: sessionID,
			Config: map[string]any{
				"execution_mode": cfg.Scheduler.Mode,
				"processor":      cfg.Processor.Kind,
				"fingerprint":    cfg.Fingerprint(),
			},
			Metadata: map[string]any{
				"workload":  opts.workload,
				"name":      w.Name,
				"base_url":  w.BaseURL,
				"endpoints": len(w.Endpoints),
			},
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	} else {
		return fmt.Errorf("load session: %w", err)
	}

	tasks, err := workload.Enumerate(w, sessionID, workload.EnumerateOptions{
		MaxRetries:     cfg.TaskMaxRetries(),
		RetryBaseDelay: cfg.RetryBaseDelay(),
	})
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	queued, skipped, err := store.EnqueueMissing(ctx, tasks)
	if err != nil {
		return fmt.Errorf("enqueue workload: %w", err)
	}
	logger.Info("workload enqueued", "session_id", sessionID, "tasks", len(queued), "already_queued", skipped)
	return nil
}

// startGateway binds the gateway listener and serves it until ctx ends.
func startGateway(ctx context.Context, cfg config.Config, gcfg gateway.Config, out io.Writer) (*gateway.Server, error) {
	token, generated, err := loadAuthToken(cfg)
	if err != nil {
		return nil, err
	}
	gcfg.AuthToken = token
	gcfg.AllowOrigins = cfg.AllowOrigins
	gcfg.RateLimit = cfg.RateLimit
	gcfg.ConfigFingerprint = cfg.Fingerprint()
	gw := gateway.New(gcfg)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return nil, fmt.Errorf("listen %s: %s", cfg.BindAddr, addrInUseHint(cfg.BindAddr))
		}
		return nil, fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.RateLimit.Enabled {
		gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gcfg.Logger.Error("gateway serve", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := shutdownContext(5 * time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	fmt.Fprintf(out, "gateway listening on http://%s\n", ln.Addr())
	if generated {
		fmt.Fprintf(out, "auth token written to %s/auth.token\n", cfg.HomeDir)
	}
	if gcfg.Logger != nil {
		gcfg.Logger.Info("gateway started", "addr", ln.Addr().String())
	}
	return gw, nil
}

// thresholdUpdater is the part of the scheduler a config reload touches.
type thresholdUpdater interface {
	UpdateThresholds(up, down float64) error
}

// applyReloads pushes edited thresholds into the live scaler and refreshes
// the fingerprint the gateway reports. Other settings take effect on the
// next run.
func applyReloads(reloads <-chan config.ReloadEvent, sched thresholdUpdater, gw *gateway.Server, events *bus.Bus, logger *slog.Logger) {
	for ev := range reloads {
		if ev.Err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", ev.Err)
			continue
		}
		s := ev.Config.Scheduler
		if s.ScaleUpThreshold > 0 && s.ScaleDownThreshold > 0 {
			if err := sched.UpdateThresholds(s.ScaleUpThreshold, s.ScaleDownThreshold); err != nil {
				logger.Warn("apply reloaded thresholds", "error", err)
				continue
			}
		}
		fp := ev.Config.Fingerprint()
		if gw != nil {
			gw.SetConfigFingerprint(fp)
		}
		events.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
			Fingerprint: fp,
			ScaleUp:     s.ScaleUpThreshold,
			ScaleDown:   s.ScaleDownThreshold,
		})
		logger.Info("config reloaded", "fingerprint", fp)
	}
}
