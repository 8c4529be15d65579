// Package worker implements the worker side of the tasking engine: the
// fetch/claim loop, the task supervisor, and the crash-recovery sweep.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"depot/internal/dispatch"
	"depot/internal/eventbus"
	"depot/internal/locking"
	rtsup "depot/internal/runtime/supervisor"
	"depot/internal/task/store"
	"depot/internal/worker/registry"
	logx "depot/pkg/logx"
)

// Service is one worker process's control loop.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    *store.Store
	locks    locking.Manager
	registry *registry.Registry
	handlers *dispatch.Registry

	limiter *rate.Limiter
	rng     *rand.Rand
	tun     atomic.Value // tunables

	mu           sync.Mutex
	sup          *rtsup.Supervisor
	incompatible map[string]struct{} // task ids this worker cannot run
	inFlight     string

	iterations  atomic.Uint64
	claimed     atomic.Uint64
	sweptTasks  atomic.Uint64
	lastSweepMs atomic.Int64

	lastHeartbeat time.Time
}

func New(cfg Config, st *store.Store, locks locking.Manager, reg *registry.Registry, handlers *dispatch.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:          cfg,
		log:          log.With(logx.String("worker", cfg.Name)),
		bus:          bus,
		store:        st,
		locks:        locks,
		registry:     reg,
		handlers:     handlers,
		limiter:      rate.NewLimiter(rate.Limit(cfg.ClaimsPerSec), 1),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		incompatible: map[string]struct{}{},
	}
	s.tun.Store(cfg.tunables())
	return s
}

// Apply updates the loop tunables that are safe to change at runtime. Identity
// and liveness settings (name, heartbeat, TTL, grace intervals) stay fixed for
// the process lifetime.
func (s *Service) Apply(cfg Config) {
	cur := s.tunables()
	if cfg.BatchSize > 0 {
		cur.BatchSize = cfg.BatchSize
	}
	if cfg.PollInterval > 0 {
		cur.PollInterval = cfg.PollInterval
	}
	if cfg.MaintenanceEvery > 0 {
		cur.MaintenanceEvery = cfg.MaintenanceEvery
	}
	if cfg.ClaimsPerSec > 0 {
		cur.ClaimsPerSec = cfg.ClaimsPerSec
		s.limiter.SetLimit(rate.Limit(cfg.ClaimsPerSec))
	}
	cur.FinishedTTL = cfg.FinishedTTL
	s.tun.Store(cur)
}

func (s *Service) tunables() tunables {
	return s.tun.Load().(tunables)
}

// Name returns this worker's identity (lock owner, registry key).
func (s *Service) Name() string { return s.cfg.Name }

// TTL returns the liveness threshold used for online/missing decisions.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Start registers the worker and launches the fetch/claim loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Register(ctx, registry.ProcessStatus{
		Name:     s.cfg.Name,
		Kind:     registry.KindWorker,
		Versions: s.cfg.Versions,
	}); err != nil {
		return err
	}
	s.lastHeartbeat = time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerOnline, Data: s.cfg.Name})
	}

	s.mu.Lock()
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "worker"))),
		// A fatal loop error (e.g. persistent heartbeat failure) must stop
		// the whole worker rather than leave it running unsupervised.
		rtsup.WithCancelOnError(true),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("fetch-loop", s.run,
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("worker started",
		logx.Duration("heartbeat", s.cfg.HeartbeatInterval),
		logx.Duration("ttl", s.cfg.TTL),
		logx.Int("batch", s.cfg.BatchSize),
		logx.Bool("isolate", s.cfg.Isolate))
	return nil
}

// Stop cancels the loop, waits for any in-flight task to wind down within the
// shutdown grace, and deregisters.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("worker stop incomplete", logx.Err(err))
	}

	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer dcancel()
	if err := s.registry.Deregister(dctx, s.cfg.Name); err != nil {
		s.log.Warn("deregister failed", logx.Err(err))
	}
	s.log.Info("worker stopped")
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	inFlight := s.inFlight
	s.mu.Unlock()
	var sweepAt time.Time
	if ms := s.lastSweepMs.Load(); ms > 0 {
		sweepAt = time.UnixMilli(ms)
	}
	return Snapshot{
		Name:        s.cfg.Name,
		InFlight:    inFlight,
		Iterations:  s.iterations.Load(),
		Claimed:     s.claimed.Load(),
		LastSweepAt: sweepAt,
		SweptTasks:  s.sweptTasks.Load(),
	}
}

// run is the fetch/claim loop. Besides claiming work it refreshes this
// worker's heartbeat and performs periodic maintenance on a fixed cadence of
// iterations.
func (s *Service) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		iter := s.iterations.Add(1)

		if err := s.maybeHeartbeat(ctx); err != nil {
			// Persistent heartbeat failure: shut down rather than keep running
			// unsupervised. The sweep reclaims our tasks once the TTL lapses.
			return err
		}

		if iter%uint64(s.tunables().MaintenanceEvery) == 0 {
			s.maintenance(ctx)
		}

		t, ok := s.fetchNext(ctx)
		if !ok {
			s.idleSleep(ctx)
			continue
		}
		s.claimed.Add(1)
		s.supervise(ctx, t)
	}
}

// maybeHeartbeat refreshes the registry row when the interval has elapsed.
// Transient write failures are retried with backoff; if the store stays
// unreachable for half the TTL the error is fatal for the worker.
func (s *Service) maybeHeartbeat(ctx context.Context) error {
	if time.Since(s.lastHeartbeat) < s.cfg.HeartbeatInterval {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = s.cfg.TTL / 2

	err := backoff.Retry(func() error {
		herr := s.registry.Heartbeat(ctx, s.cfg.Name)
		if errors.Is(herr, registry.ErrNotRegistered) {
			// Our row was reaped (e.g. by a sweep during a long GC pause).
			// Re-register instead of dying.
			s.log.Warn("registry row missing; re-registering")
			return s.registry.Register(ctx, registry.ProcessStatus{
				Name:     s.cfg.Name,
				Kind:     registry.KindWorker,
				Versions: s.cfg.Versions,
			})
		}
		return herr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("heartbeat persistently failing; shutting down worker", logx.Err(err))
		return err
	}
	s.lastHeartbeat = time.Now()
	return nil
}

// idleSleep waits between empty claim passes. The interval scales with the
// online fleet size plus jitter so a large fleet doesn't stampede the store.
func (s *Service) idleSleep(ctx context.Context) {
	n, err := s.registry.CountOnline(ctx, s.cfg.TTL)
	if err != nil || n < 1 {
		n = 1
	}
	d := s.tunables().PollInterval * time.Duration(n)
	// 25% jitter.
	if j := int64(d) / 4; j > 0 {
		d += time.Duration(s.rng.Int63n(j))
	}
	if max := 30 * time.Second; d > max {
		d = max
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// maintenance runs the crash-recovery sweep and the retention purge. Both are
// guarded by the sweep lock so only one worker in the fleet does them at a time.
func (s *Service) maintenance(ctx context.Context) {
	s.sweep(ctx)
}
