package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"depot/internal/eventbus"
	"depot/internal/task"
	logx "depot/pkg/logx"
)

// supervise runs one claimed task to a terminal state. The caller already
// holds the task's locks; supervise owns them from here on and guarantees they
// are released before the terminal state is written, whatever path the body
// takes.
func (s *Service) supervise(ctx context.Context, t *task.Task) {
	log := s.log.With(logx.String("task", t.ID), logx.String("name", t.Name))
	// Cleanup writes must survive worker shutdown.
	cctx := context.WithoutCancel(ctx)

	// Re-read under the claim: the task may have been canceled (or even
	// finished by an immediate dispatch) between the list query and the
	// acquire.
	cur, err := s.store.Get(cctx, t.ID)
	if err != nil || cur.State != task.StateWaiting {
		if err != nil {
			log.Warn("re-reading claimed task failed", logx.Err(err))
		}
		s.releaseLocks(cctx, t, log)
		return
	}

	ok, err := s.store.Start(cctx, t.ID, s.cfg.Name)
	if err != nil || !ok {
		if err != nil {
			log.Warn("start transition failed", logx.Err(err))
		}
		s.releaseLocks(cctx, t, log)
		return
	}
	s.setInFlight(t.ID)
	defer s.setInFlight("")
	s.publish(eventbus.TypeTaskStarted, t.ID)
	log.Info("task started", logx.Strings("exclusive", t.Exclusive), logx.Strings("shared", t.Shared))

	exec, err := s.startExecution(ctx, t)
	if err != nil {
		log.Error("starting task body failed", logx.Err(err))
		s.finish(cctx, t, outcome{err: err, reason: task.ReasonBodyError}, false, false, log)
		return
	}

	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()

	var (
		canceling bool
		killed    bool
		graceC    <-chan time.Time
		killC     <-chan time.Time
	)
	ctxDone := ctx.Done()
	for {
		select {
		case out := <-exec.done():
			s.finish(cctx, t, out, canceling, killed, log)
			return

		case <-hb.C:
			if err := s.registry.Heartbeat(cctx, s.cfg.Name); err == nil {
				s.lastHeartbeat = time.Now()
			}
			if canceling {
				continue
			}
			req, err := s.locks.CancelRequested(cctx, t.ID)
			if err != nil || !req {
				continue
			}
			canceling = true
			if _, err := s.store.MarkCanceling(cctx, t.ID); err != nil {
				log.Warn("canceling transition failed", logx.Err(err))
			}
			log.Info("cancellation requested; signaling body", logx.Duration("grace", s.cfg.CancelGrace))
			exec.cancel()
			graceC = time.After(s.cfg.CancelGrace)

		case <-graceC:
			graceC = nil
			log.Warn("grace elapsed; force-terminating body")
			killed = true
			exec.kill()
			killC = time.After(s.cfg.KillEscalation)

		case <-killC:
			// The body survived even the kill. That only happens in-process,
			// with a handler ignoring its context; abandon the goroutine and
			// fail the task so its locks free up.
			log.Error("body unresponsive after kill; abandoning")
			s.finish(cctx, t, outcome{err: errors.New("task body unresponsive after forced termination"), reason: task.ReasonKilled}, canceling, true, log)
			return

		case <-ctxDone:
			ctxDone = nil
			if canceling {
				continue
			}
			canceling = true
			if _, err := s.store.MarkCanceling(cctx, t.ID); err != nil {
				log.Warn("canceling transition failed", logx.Err(err))
			}
			log.Info("worker shutting down; canceling in-flight task", logx.Duration("grace", s.cfg.ShutdownGrace))
			exec.cancel()
			graceC = time.After(s.cfg.ShutdownGrace)
		}
	}
}

func (s *Service) startExecution(ctx context.Context, t *task.Task) (execution, error) {
	if s.cfg.Isolate {
		return s.startChild(t)
	}
	h, ok := s.handlers.Lookup(t.Name)
	if !ok {
		// fetchNext filtered on handlers; reaching this means the registry
		// changed underneath us.
		return nil, errors.New("handler disappeared: " + t.Name)
	}
	return s.startInProc(ctx, t, h), nil
}

// finish maps the body outcome onto a terminal state and records it. Locks are
// always released first: a crash between release and the state write leaves a
// RUNNING row with no locks, which the recovery sweep repairs, whereas the
// reverse order could leak locks forever.
func (s *Service) finish(ctx context.Context, t *task.Task, out outcome, canceling, killed bool, log logx.Logger) {
	s.releaseLocks(ctx, t, log)

	to, terr := terminalFor(out, canceling, killed)
	ok, err := s.store.Finish(ctx, t.ID, s.cfg.Name, to, terr)
	if err != nil {
		log.Error("terminal state write failed", logx.String("to", string(to)), logx.Err(err))
	} else if !ok {
		// Ownership moved (recovery sweep decided we were dead). The sweep's
		// verdict stands.
		log.Warn("terminal state write lost a race", logx.String("to", string(to)))
	}
	if cerr := s.locks.ClearCancel(ctx, t.ID); cerr != nil {
		log.Warn("clearing cancel signal failed", logx.Err(cerr))
	}

	switch to {
	case task.StateCompleted:
		s.publish(eventbus.TypeTaskCompleted, t.ID)
		log.Info("task completed", logx.Duration("ran", time.Since(t.CreatedAt)))
	case task.StateCanceled:
		s.publish(eventbus.TypeTaskCanceled, t.ID)
		log.Info("task canceled")
	default:
		s.publish(eventbus.TypeTaskFailed, t.ID)
		log.Warn("task failed", logx.String("reason", terr.Reason), logx.String("desc", terr.Description))
	}
}

// terminalFor decides the terminal state. A cooperative unwind after a cancel
// request is CANCELED; a forced kill is always FAILED even when cancellation
// was the trigger, because the body may have stopped mid-write.
func terminalFor(out outcome, canceling, killed bool) (task.State, *task.Error) {
	switch {
	case killed:
		desc := "terminated after grace period"
		if out.err != nil {
			desc = out.err.Error()
		}
		return task.StateFailed, &task.Error{Reason: task.ReasonKilled, Description: desc}
	case canceling && out.canceled:
		return task.StateCanceled, nil
	case out.err != nil:
		reason := out.reason
		if reason == "" {
			reason = task.ReasonBodyError
		}
		return task.StateFailed, &task.Error{Reason: reason, Description: out.err.Error()}
	case out.canceled:
		// Body unwound as canceled without a request on record (e.g. shutdown
		// cancel raced the flag). Honor what the body reported.
		return task.StateCanceled, nil
	default:
		return task.StateCompleted, nil
	}
}

// releaseLocks releases the task claim and its resource locks, retrying with
// backoff on transient store errors. A lock left behind here blocks every
// future task on the same resources until a sweep runs, so we try hard.
func (s *Service) releaseLocks(ctx context.Context, t *task.Task, log logx.Logger) {
	op := func() error {
		return s.locks.Release(ctx, t.ID, s.cfg.Name, t.Exclusive, t.Shared)
	}
	if err := op(); err == nil {
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		log.Error("lock release failed; recovery sweep will reclaim", logx.Err(err))
	}
}

func (s *Service) setInFlight(id string) {
	s.mu.Lock()
	s.inFlight = id
	s.mu.Unlock()
}

func (s *Service) publish(typ string, taskID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: taskID})
}
