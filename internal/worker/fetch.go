package worker

import (
	"depot/internal/locking"
	"depot/internal/task"
	logx "depot/pkg/logx"

	"context"
)

// fetchNext runs one claim pass: query a batch of WAITING tasks in creation
// order and try to claim the first compatible one.
//
// Fairness pruning: within one pass we remember resources that an earlier
// (older) candidate wanted and failed to get. A younger candidate touching
// those resources is skipped without an acquire attempt, so it cannot cut in
// line ahead of the older task on the same resource. The bookkeeping is reset
// every pass; it is a per-pass rule, not a persistent queue.
func (s *Service) fetchNext(ctx context.Context) (*task.Task, bool) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, false
	}

	batch, err := s.store.ListWaiting(ctx, s.tunables().BatchSize, s.incompatibleIDs())
	if err != nil {
		s.log.Warn("fetching waiting tasks failed", logx.Err(err))
		return nil, false
	}

	blockedExcl := map[string]struct{}{}   // wanted exclusively by an earlier blocked task
	blockedShared := map[string]struct{}{} // wanted shared by an earlier blocked task

	for _, t := range batch {
		if _, ok := s.handlers.Lookup(t.Name); !ok {
			// No handler in this process. Remember the id so we stop
			// re-fetching it; another worker with the handler can claim it.
			s.markIncompatible(t.ID)
			s.log.Warn("no handler for task; leaving for other workers",
				logx.String("task", t.ID), logx.String("name", t.Name))
			continue
		}

		if blockedByEarlier(t, blockedExcl, blockedShared) {
			continue
		}

		err := s.locks.Acquire(ctx, t.ID, s.cfg.Name, t.Exclusive, t.Shared)
		if err == nil {
			return t, true
		}
		if _, ok := locking.IsUnavailable(err); ok {
			// Record what this older task wanted so younger candidates in
			// this pass cannot overtake it.
			for _, r := range t.Exclusive {
				blockedExcl[r] = struct{}{}
			}
			for _, r := range t.Shared {
				blockedShared[r] = struct{}{}
			}
			continue
		}
		// Lock-manager communication failure: skip the candidate, keep the
		// loop alive.
		s.log.Warn("acquire failed", logx.String("task", t.ID), logx.Err(err))
	}
	return nil, false
}

// blockedByEarlier applies the per-pass fairness rule: exclusive needs block
// on both sets; shared needs block only on the blocked-shared set (a shared
// request conflicts only with exclusive holders).
func blockedByEarlier(t *task.Task, blockedExcl, blockedShared map[string]struct{}) bool {
	for _, r := range t.Exclusive {
		if _, ok := blockedExcl[r]; ok {
			return true
		}
		if _, ok := blockedShared[r]; ok {
			return true
		}
	}
	for _, r := range t.Shared {
		if _, ok := blockedShared[r]; ok {
			return true
		}
	}
	return false
}

func (s *Service) markIncompatible(id string) {
	s.mu.Lock()
	s.incompatible[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) incompatibleIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.incompatible) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.incompatible))
	for id := range s.incompatible {
		ids = append(ids, id)
	}
	return ids
}
