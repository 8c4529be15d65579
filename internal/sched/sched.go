// Package sched triggers scheduled dispatches. It is trigger-only: at every
// cron tick it hands a dispatch request to the dispatcher and the tasking
// engine takes it from there, including resource contention (a tick whose
// resources are busy simply leaves a WAITING task for the fetch loop).
package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"depot/internal/config"
	"depot/internal/dispatch"
	logx "depot/pkg/logx"
)

// warnThrottle caps dispatch-failure log noise per job.
const warnThrottle = 5 * time.Second

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Prague"
}

type jobDef struct {
	def     config.JobConfig
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	log  logx.Logger
	disp *dispatch.Dispatcher

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	jobs   []jobDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, disp *dispatch.Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		disp: disp,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// SetJobs replaces the job definitions. Registered upserts by name survive a
// hot reload; jobs absent from the new set are removed.
func (s *Service) SetJobs(defs []config.JobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		for _, j := range s.jobs {
			if j.entryID != 0 {
				s.c.Remove(j.entryID)
			}
		}
	}
	s.jobs = s.jobs[:0]
	for _, d := range defs {
		s.jobs = append(s.jobs, jobDef{def: d})
	}
	if s.c != nil {
		for i := range s.jobs {
			s.registerLocked(&s.jobs[i])
		}
	}
}

// Apply reconfigures the service at runtime. A timezone change restarts the
// underlying cron so entries fire in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.jobs {
		s.registerLocked(&s.jobs[i])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering. Running cron callbacks are waited for (they only
// dispatch, so this is quick).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) restartLocked() {
	old := s.c
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.jobs {
		s.jobs[i].entryID = 0
		s.registerLocked(&s.jobs[i])
	}
	s.c.Start()
	if old != nil {
		<-old.Stop().Done()
	}
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) registerLocked(j *jobDef) {
	def := j.def
	id, err := s.c.AddFunc(def.Schedule, func() { s.trigger(def) })
	if err != nil {
		s.log.Error("job register failed",
			logx.String("job", def.Name), logx.String("schedule", def.Schedule), logx.Err(err))
		return
	}
	j.entryID = id
	s.log.Debug("job registered",
		logx.String("job", def.Name), logx.String("schedule", def.Schedule), logx.String("task", def.Task))
}

// trigger is the cron callback: one deferred dispatch per tick. Resource
// contention is not an error here; the engine's own rules decide when the
// dispatched task actually runs.
func (s *Service) trigger(def config.JobConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t, err := s.disp.Dispatch(ctx, dispatch.Request{
		Name:      def.Task,
		Args:      def.Args,
		Exclusive: def.Exclusive,
		Shared:    def.Shared,
		Deferred:  true,
		Group:     "sched:" + def.Name,
	})
	if err != nil {
		s.warnDispatch(def.Name, err)
		return
	}
	s.log.Debug("job triggered", logx.String("job", def.Name), logx.String("task", t.ID))
}

// warnDispatch throttles per-job dispatch failure warnings; a broken store
// would otherwise log once per tick per job.
func (s *Service) warnDispatch(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	if errors.Is(err, dispatch.ErrUnknownHandler) {
		s.log.Warn("job points at unknown task", logx.String("job", name), logx.Err(err))
		return
	}
	s.log.Warn("job dispatch failed", logx.String("job", name), logx.Err(err))
}

// JobInfo describes one registered job with its trigger times.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Task     string    `json:"task"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Timezone: tz}
	for _, j := range s.jobs {
		info := JobInfo{Name: j.def.Name, Schedule: j.def.Schedule, Task: j.def.Task}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out.Jobs = append(out.Jobs, info)
	}
	return out
}
