// Package app assembles a depot process: configuration, logging, storage, the
// lock manager, the dispatcher, the worker and the scheduler, plus config hot
// reload wiring.
package app

import (
	"context"
	"strings"
	"time"

	"depot/internal/config"
	"depot/internal/dispatch"
	"depot/internal/eventbus"
	"depot/internal/jobs"
	"depot/internal/locking"
	rtsup "depot/internal/runtime/supervisor"
	"depot/internal/sched"
	"depot/internal/storage"
	"depot/internal/task"
	"depot/internal/task/store"
	"depot/internal/worker"
	"depot/internal/worker/registry"
	logx "depot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	logs *logx.Service
	log  logx.Logger

	db  *storage.DB
	bus eventbus.Bus

	tasks    *store.Store
	locks    locking.Manager
	registry *registry.Registry
	handlers *dispatch.Registry

	disp  *dispatch.Dispatcher
	wrk   *worker.Service
	sched *sched.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	tasks := store.New(db, log.With(logx.String("comp", "tasks")))
	locks, err := locking.Open(locking.Config{Driver: cfg.Locking.Driver}, db, log.With(logx.String("comp", "locks")))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	reg := registry.New(db, log.With(logx.String("comp", "registry")))

	handlers := dispatch.NewRegistry()
	jobs.RegisterAll(handlers, jobs.Deps{
		Store: tasks,
		Log:   log.With(logx.String("comp", "jobs")),
	})

	wcfg, err := workerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	wrk := worker.New(wcfg, tasks, locks, reg, handlers, bus, log.With(logx.String("comp", "worker")))

	disp := dispatch.New(tasks, locks, handlers, bus, log.With(logx.String("comp", "dispatch")), wrk.Name(), true)
	schedSvc := sched.New(sched.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, disp, log.With(logx.String("comp", "sched")))
	schedSvc.SetJobs(cfg.Scheduler.Jobs)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		db:       db,
		bus:      bus,
		tasks:    tasks,
		locks:    locks,
		registry: reg,
		handlers: handlers,
		disp:     disp,
		wrk:      wrk,
		sched:    schedSvc,
	}, nil
}

// Dispatcher exposes the dispatch entry point (REST layers, tools).
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Snapshot is a point-in-time operator view of the process: this worker, the
// scheduler, the online fleet and the most recent tasks.
type Snapshot struct {
	Worker    worker.Snapshot          `json:"worker"`
	Scheduler sched.Snapshot           `json:"scheduler"`
	Fleet     []registry.ProcessStatus `json:"fleet,omitempty"`
	Recent    []*task.Task             `json:"recent,omitempty"`
}

func (a *App) Snapshot(ctx context.Context) Snapshot {
	out := Snapshot{Worker: a.wrk.Snapshot(), Scheduler: a.sched.Snapshot()}
	if fleet, err := a.registry.Online(ctx, a.wrk.TTL()); err == nil {
		out.Fleet = fleet
	} else {
		a.log.Warn("fleet snapshot failed", logx.Err(err))
	}
	if recent, err := a.tasks.Recent(ctx, 50); err == nil {
		out.Recent = recent
	} else {
		a.log.Warn("recent tasks snapshot failed", logx.Err(err))
	}
	return out
}

// Handlers exposes the handler registry (exec-task child setup, tests).
func (a *App) Handlers() *dispatch.Registry { return a.handlers }

// Done is closed when the app's run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Config.Validate already ran; only cross-component checks live here.
		if _, err := workerConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return err
			}
		}
		return nil
	})

	if err := a.wrk.Start(a.sup.Context()); err != nil {
		return err
	}
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("started", logx.String("worker", a.wrk.Name()), logx.Strings("handlers", a.handlers.Names()))
	return nil
}

// reloadLoop applies committed config updates to the live services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			sections, attrs := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

			if wcfg, err := workerConfig(cfg); err == nil {
				a.wrk.Apply(wcfg)
			} else {
				a.log.Warn("worker settings not applied", logx.Err(err))
			}

			wasEnabled := a.sched.Snapshot().Enabled
			a.sched.Apply(sched.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone})
			a.sched.SetJobs(cfg.Scheduler.Jobs)
			if wasEnabled && !cfg.Scheduler.Enabled {
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			} else if !wasEnabled && cfg.Scheduler.Enabled {
				a.sched.Start(ctx)
			}

			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	a.sched.Stop(stopCtx)
	cancel()

	if err := a.wrk.Stop(ctx); err != nil {
		a.log.Warn("worker stop failed", logx.Err(err))
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()
	_ = a.sup.Wait(wctx)

	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// workerConfig maps the file schema onto the worker's runtime settings.
func workerConfig(cfg *config.Config) (worker.Config, error) {
	w := cfg.Worker
	out := worker.Config{
		Name:             w.Name,
		BatchSize:        w.BatchSize,
		MaintenanceEvery: w.MaintenanceEvery,
		ClaimsPerSec:     w.ClaimsPerSec,
		Isolate:          w.Isolate,
	}
	var err error
	if out.HeartbeatInterval, err = config.ParseDurationField("worker.heartbeat_interval", w.HeartbeatInterval); err != nil {
		return out, err
	}
	if out.TTL, err = config.ParseDurationField("worker.ttl", w.TTL); err != nil {
		return out, err
	}
	if out.ShutdownGrace, err = config.ParseDurationField("worker.shutdown_grace", w.ShutdownGrace); err != nil {
		return out, err
	}
	if out.CancelGrace, err = config.ParseDurationField("worker.cancel_grace", w.CancelGrace); err != nil {
		return out, err
	}
	if out.KillEscalation, err = config.ParseDurationField("worker.kill_escalation", w.KillEscalation); err != nil {
		return out, err
	}
	if out.PollInterval, err = config.ParseDurationField("worker.poll_interval", w.PollInterval); err != nil {
		return out, err
	}
	if out.FinishedTTL, err = cfg.FinishedTTL(); err != nil {
		return out, err
	}
	return out, nil
}
