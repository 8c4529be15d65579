package worker

import (
	"context"
	"time"

	"depot/internal/eventbus"
	"depot/internal/locking"
	"depot/internal/task"
	"depot/internal/worker/registry"
	logx "depot/pkg/logx"
)

// sweepClaim is the task-claim key serializing the crash-recovery sweep
// fleet-wide. If a sweeper itself crashes mid-sweep, its claim is freed by the
// next sweep reaping that worker.
const sweepClaim = "recovery-sweep"

// sweep reaps workers whose heartbeat lapsed: their in-flight tasks are failed,
// their locks force-released and their registry rows removed. Exactly one
// worker in the fleet sweeps at a time, guarded by a claim in the lock store.
func (s *Service) sweep(ctx context.Context) {
	if err := s.locks.Acquire(ctx, sweepClaim, s.cfg.Name, nil, nil); err != nil {
		if _, ok := locking.IsUnavailable(err); ok {
			// Another worker is sweeping.
			return
		}
		s.log.Warn("sweep claim failed", logx.Err(err))
		return
	}
	defer func() {
		if err := s.locks.Release(ctx, sweepClaim, s.cfg.Name, nil, nil); err != nil {
			s.log.Warn("sweep claim release failed", logx.Err(err))
		}
	}()

	missing, err := s.registry.Missing(ctx, s.cfg.TTL)
	if err != nil {
		s.log.Warn("listing missing workers failed", logx.Err(err))
		return
	}
	for _, w := range missing {
		if w.Name == s.cfg.Name {
			// Our own row looks stale (clock skew, long pause). The heartbeat
			// path re-registers; never reap ourselves.
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.reapWorker(ctx, w)
	}
	s.lastSweepMs.Store(time.Now().UnixMilli())

	s.purge(ctx)
}

// reapWorker handles one missing worker. Order matters: the task rows are
// failed from their owner_lock first, then the lock store is scrubbed, so a
// claim acquired between the two steps cannot be deleted out from under a
// live worker.
func (s *Service) reapWorker(ctx context.Context, w registry.ProcessStatus) {
	log := s.log.With(logx.String("missing", w.Name))
	log.Warn("worker missing; reaping", logx.Time("last_heartbeat", w.LastHeartbeat))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkerMissing, Data: w.Name})
	}

	tasks, err := s.store.FindByOwner(ctx, w.Name)
	if err != nil {
		log.Warn("finding owned tasks failed", logx.Err(err))
		return
	}
	handled := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		handled[t.ID] = struct{}{}
		if t.State.Terminal() {
			continue
		}
		// Free the resources first, under the dead worker's identity.
		if err := s.locks.Release(ctx, t.ID, w.Name, t.Exclusive, t.Shared); err != nil {
			log.Warn("releasing dead worker's locks failed", logx.String("task", t.ID), logx.Err(err))
		}
		// Take over the claim so the terminal write carries our identity.
		if _, err := s.store.SetOwner(ctx, t.ID, s.cfg.Name); err != nil {
			log.Warn("taking over task failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		terr := &task.Error{
			Reason:      task.ReasonWorkerMissing,
			Description: "worker " + w.Name + " stopped heartbeating while running this task",
		}
		ok, err := s.store.Finish(ctx, t.ID, s.cfg.Name, task.StateFailed, terr)
		if err != nil {
			log.Warn("failing orphaned task failed", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		if cerr := s.locks.ClearCancel(ctx, t.ID); cerr != nil {
			log.Warn("clearing cancel signal failed", logx.String("task", t.ID), logx.Err(cerr))
		}
		if ok {
			s.sweptTasks.Add(1)
			s.publish(eventbus.TypeTaskFailed, t.ID)
			log.Warn("orphaned task failed", logx.String("task", t.ID), logx.String("name", t.Name))
		}
	}

	// Claims without a RUNNING row: the worker died between acquire and the
	// start transition. The task record is still WAITING and runnable once the
	// claim is gone, so only the lock store needs scrubbing.
	if ids, err := s.locks.TasksOwnedBy(ctx, w.Name); err != nil {
		log.Warn("scanning dead worker's claims failed", logx.Err(err))
	} else {
		for _, id := range ids {
			if _, ok := handled[id]; !ok {
				log.Info("freeing unstarted claim", logx.String("task", id))
			}
		}
	}
	if err := s.locks.ForceReleaseOwner(ctx, w.Name); err != nil {
		log.Warn("force-releasing dead worker's locks failed", logx.Err(err))
		return
	}
	if err := s.registry.Deregister(ctx, w.Name); err != nil {
		log.Warn("removing registry row failed", logx.Err(err))
	}
}

// purge applies the finished-task retention policy.
func (s *Service) purge(ctx context.Context) {
	ttl := s.tunables().FinishedTTL
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)
	n, err := s.store.PurgeFinished(ctx, cutoff)
	if err != nil {
		s.log.Warn("purging finished tasks failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("purged finished tasks", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
}
