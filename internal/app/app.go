// Package app wires the daemon: config, logging, storage, templates,
// engine, runner, scheduler, notify, and the observability listeners.
package app

import (
	"context"
	"fmt"
	"time"

	"chronod/internal/config"
	"chronod/internal/engine"
	"chronod/internal/eventbus"
	"chronod/internal/handlers"
	"chronod/internal/notify"
	"chronod/internal/observability/metrics"
	"chronod/internal/observability/pprof"
	"chronod/internal/runner"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/scheduler"
	"chronod/internal/storage"
	"chronod/internal/template"
	logx "chronod/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store

	registry *template.Registry
	set      *handlers.Set
	engine   *engine.Engine
	runner   *runner.Service
	sched    *scheduler.Service
	notif    *notify.Service
	metrics  *metrics.Service
	pprof    *pprof.Service

	sup *rtsup.Supervisor
}

// New loads the config and wires every service. Nothing starts running
// until Run.
func New(cfgPath string) (*App, error) {
	var (
		cfgm *config.Manager
		cfg  *config.Config
	)
	if cfgPath != "" {
		cfgm = config.NewManager(cfgPath)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.AlertEnabled,
			MinLevel:   cfg.Logging.AlertMinLevel,
			RatePerSec: cfg.Logging.AlertRatePerSec,
		},
	})
	log = log.With(logx.String("comp", "app"))
	if cfgm != nil {
		cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	}

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// Notifications are optional; everything else works without them.
	var notifSvc *notify.Service
	if cfg.Notify.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Notify.Token,
			ChatID: cfg.Notify.ChatID,
		})
		if err != nil {
			log.Warn("notify disabled: telegram setup failed", logx.Err(err))
		} else {
			notifSvc = notify.New(notify.Config{
				Enabled:    true,
				QueueSize:  cfg.Notify.QueueSize,
				RatePerSec: cfg.Notify.RatePerSec,
				RetryMax:   cfg.Notify.RetryMax,
			}, tg, logSvc.Logger().With(logx.String("comp", "notify")))
			logSvc.SetAlertSink(notifSvc)
		}
	}

	loc := time.Local
	if cfg.Scheduler.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Scheduler.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone, using local", logx.String("tz", cfg.Scheduler.Timezone), logx.Err(err))
		}
	}

	set := &handlers.Set{
		Store:    store,
		Log:      logSvc.Logger().With(logx.String("comp", "handlers")),
		Location: loc,
		Probe:    handlers.NewNetProbe(),
	}
	if notifSvc != nil {
		set.Notifier = notifSvc
	}

	registry := template.NewRegistry()
	set.RegisterAll(registry)

	eng := engine.New(store, logSvc.Logger().With(logx.String("comp", "engine")))
	run := runner.New(runner.Config{
		Workers:   cfg.Runner.Workers,
		QueueSize: cfg.Runner.QueueSize,
	}, logSvc.Logger().With(logx.String("comp", "runner")), bus)

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		store, eng, run, registry,
		logSvc.Logger().With(logx.String("comp", "scheduler")), bus)

	// The operational built-ins resolve by job name, ahead of templates.
	sched.RegisterBuiltin(JobLogCleanup, set.CleanupLogs)
	sched.RegisterBuiltin(JobHealthCheck, set.HealthCheck)
	sched.RegisterBuiltin(JobAnalyticsRefresh, set.AnalyticsRefresh)
	sched.RegisterBuiltin(JobStaleCleanup, set.CleanupStale)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		set:      set,
		engine:   eng,
		runner:   run,
		sched:    sched,
		notif:    notifSvc,
		metrics: metrics.New(metrics.Config{
			Enabled: cfg.Metrics.Enabled,
			Addr:    cfg.Metrics.Addr,
		}, logSvc.Logger().With(logx.String("comp", "metrics"))),
		pprof: pprof.New(pprof.Config{
			Enabled: cfg.Pprof.Enabled,
			Addr:    cfg.Pprof.Addr,
		}, logSvc.Logger().With(logx.String("comp", "pprof"))),
	}, nil
}

// Scheduler exposes the armed-schedule view for status output.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Run starts everything and blocks until ctx is canceled, then shuts the
// services down in dependency order.
func (a *App) Run(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// Anything left RUNNING belongs to a dead process; settle it before the
	// scheduler can create new records.
	if _, err := a.engine.SweepStaleRunning(ctx); err != nil {
		a.log.Warn("startup sweep failed", logx.Err(err))
	}

	if err := SeedJobs(ctx, a.store, a.log); err != nil {
		return fmt.Errorf("seed jobs: %w", err)
	}

	a.runner.Start(ctx)
	if a.notif != nil {
		a.notif.Start(ctx)
	}
	a.metrics.Start(ctx, a.bus)
	a.pprof.Start(ctx)

	if err := a.sched.Initialize(ctx); err != nil {
		return err
	}

	if a.cfgm != nil {
		a.sup.GoRestart("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
		updates := a.cfgm.Subscribe(1)
		defer a.cfgm.Unsubscribe(updates)
		a.sup.Go0("config.apply", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case cfg, ok := <-updates:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		})
	}

	a.log.Info("chronod running")
	<-ctx.Done()
	a.log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.sched.StopAll(stopCtx)
	a.runner.Stop(stopCtx)
	if a.notif != nil {
		a.notif.Stop(stopCtx)
	}
	a.metrics.Stop(stopCtx)
	a.pprof.Stop(stopCtx)

	a.sup.Cancel()
	_ = a.sup.Wait(stopCtx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.logs.Close()
	return nil
}

// applyConfig handles hot reload. Only logging is swapped live; storage,
// runner, and listener changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FileEnabled,
			Path:    cfg.Logging.FilePath,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.AlertEnabled,
			MinLevel:   cfg.Logging.AlertMinLevel,
			RatePerSec: cfg.Logging.AlertRatePerSec,
		},
	})
	a.log.Info("logging config applied")
}
