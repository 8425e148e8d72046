package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jdluna/db-scheduler/internal/adapter/admin"
	"github.com/jdluna/db-scheduler/internal/config"
	"github.com/jdluna/db-scheduler/internal/platform/logger"
	"github.com/jdluna/db-scheduler/internal/platform/periodic"
	"github.com/jdluna/db-scheduler/internal/scheduler"
)

const (
	httpShutdownTimeout = 5 * time.Second
	statsInterval       = time.Minute
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "db-scheduler",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the scheduler and the admin server and blocks until SIGINT or
// SIGTERM, then shuts both down.
func (a *App) Run() (err error) {
	defer func() { _ = logger.Close(a.log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.log.Info("starting", slog.String("driver", a.cfg.DB.Driver))

	st, closeStore, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := buildRegistry(a.cfg, a.log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := scheduler.New(st, registry, scheduler.Config{
		Name:                      a.cfg.Scheduler.Name,
		Threads:                   a.cfg.Scheduler.Threads,
		PollInterval:              a.cfg.Scheduler.PollInterval,
		HeartbeatInterval:         a.cfg.Scheduler.HeartbeatInterval,
		DeadExecutionThreshold:    a.cfg.Scheduler.DeadExecutionThreshold,
		DeadExecutionScanInterval: a.cfg.Scheduler.DeadExecutionScanInterval,
		ShutdownTimeout:           a.cfg.Scheduler.ShutdownTimeout,
		ImmediateExecution:        a.cfg.Scheduler.ImmediateExecution,
		Logger:                    a.log,
		Registerer:                reg,
	})
	if err != nil {
		return err
	}

	srv := admin.NewServer(a.cfg.HTTP.Addr, admin.NewRouter(sched, reg, a.log.With("component", "admin")), a.log)
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.log.Warn("admin server shutdown", slog.Any("err", serr))
		}
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if serr := sched.StopDefault(); serr != nil {
			a.log.Error("scheduler stop", slog.Any("err", serr))
			err = errors.Join(err, serr)
		}
	}()

	if a.cfg.Scheduler.Demo {
		if err := scheduleDemo(ctx, sched, time.Now().UTC()); err != nil {
			return err
		}
		a.log.Info("demo executions scheduled", slog.Duration("in", demoDelay))
	}

	stats := periodic.NewWithContext(ctx, periodic.Config{Logger: a.log})
	if _, err := stats.Add(periodic.Job{
		Name:     "stats",
		Interval: statsInterval,
		Run: func(context.Context) error {
			s := sched.Stats()
			a.log.Info("scheduler stats",
				slog.String("state", s.State),
				slog.Int("executing", s.Executing),
				slog.Int("free_slots", s.FreeSlots),
			)
			return nil
		},
	}); err != nil {
		return err
	}
	stats.Start()
	defer stats.Stop()

	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}
