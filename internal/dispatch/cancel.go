package dispatch

import (
	"context"
	"errors"
	"fmt"

	"depot/internal/eventbus"
	"depot/internal/task"
	logx "depot/pkg/logx"
)

// Cancel requests cancellation of a single task.
//
// WAITING tasks are canceled on the spot (they never held locks). RUNNING
// tasks are flipped to CANCELING and a signal is written to the lock store;
// the owning worker's supervisor observes it on its next poll and applies
// the grace/escalation procedure. Terminal tasks are returned unchanged.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return t, nil
	}

	if t.State == task.StateWaiting {
		ok, err := d.store.CancelWaiting(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			t, err = d.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			d.publish(eventbus.TypeTaskCanceled, t)
			d.log.Info("waiting task canceled", logx.String("task", id))
			return t, nil
		}
		// A worker claimed it between Get and CancelWaiting; fall through to
		// the running path.
	}

	// RUNNING (or already CANCELING): record the signal. Writing it again is
	// harmless and refreshes the safety-net expiry.
	if _, err := d.store.MarkCanceling(ctx, id); err != nil {
		return nil, err
	}
	if err := d.locks.SignalCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("cancel %s: signal: %w", id, err)
	}
	d.log.Info("cancellation signaled", logx.String("task", id))
	return d.store.Get(ctx, id)
}

// Skip marks a WAITING task SKIPPED so no worker will pick it up. Unlike
// Cancel it never touches a task that already started; a claimed or terminal
// task is returned unchanged.
func (d *Dispatcher) Skip(ctx context.Context, id string) (*task.Task, error) {
	ok, err := d.store.SkipWaiting(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		d.publish(eventbus.TypeTaskSkipped, t)
		d.log.Info("waiting task skipped", logx.String("task", id))
	}
	return t, nil
}

// CancelGroup cancels every WAITING/RUNNING member of a dispatch group.
// A failure to cancel one member does not abort cancellation of the others.
func (d *Dispatcher) CancelGroup(ctx context.Context, groupID string) ([]*task.Task, error) {
	members, err := d.store.ListGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var (
		out  []*task.Task
		errs []error
	)
	for _, m := range members {
		if m.State.Terminal() {
			out = append(out, m)
			continue
		}
		ct, cerr := d.Cancel(ctx, m.ID)
		if cerr != nil {
			d.log.Warn("group member cancel failed",
				logx.String("group", groupID), logx.String("task", m.ID), logx.Err(cerr))
			errs = append(errs, fmt.Errorf("task %s: %w", m.ID, cerr))
			out = append(out, m)
			continue
		}
		out = append(out, ct)
	}
	return out, errors.Join(errs...)
}
