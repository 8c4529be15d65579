// Package dispatch is the public entry point of the tasking engine: it
// creates durable task records and decides between immediate (inline) and
// deferred (worker fetch loop) execution. It also carries the cancellation
// API consumed by the REST layer.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"depot/internal/eventbus"
	"depot/internal/locking"
	"depot/internal/task"
	"depot/internal/task/store"
	logx "depot/pkg/logx"
)

var (
	ErrNoMode         = errors.New("dispatch: at least one of immediate/deferred is required")
	ErrUnknownHandler = errors.New("dispatch: no handler registered for task name")
)

// Request describes one dispatch call.
type Request struct {
	Name string
	Args json.RawMessage

	Exclusive []string
	Shared    []string

	// Immediate requests an inline execution attempt in the caller's process.
	// Deferred allows pickup by a worker's fetch loop. At least one must be set.
	Immediate bool
	Deferred  bool

	Group  string
	Parent string
}

// Dispatcher creates tasks and optionally executes them inline.
//
// All collaborators are injected; a process constructs exactly one Dispatcher
// at start and passes it by reference to whatever submits tasks.
type Dispatcher struct {
	store *store.Store
	locks locking.Manager
	reg   *Registry
	bus   eventbus.Bus
	log   logx.Logger

	// owner is this process's identity, used as lock owner for inline runs.
	owner string

	// allowInline is false in latency-sensitive processes (e.g. the content
	// serving path), which must never execute task bodies inline.
	allowInline bool
}

func New(st *store.Store, locks locking.Manager, reg *Registry, bus eventbus.Bus, log logx.Logger, owner string, allowInline bool) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:       st,
		locks:       locks,
		reg:         reg,
		bus:         bus,
		log:         log,
		owner:       owner,
		allowInline: allowInline,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch creates a WAITING task and, when allowed, attempts the immediate
// fast path: acquire locks, run inline, release, finish. On lock contention
// the task either stays WAITING for a worker (deferred allowed) or is
// CANCELED with a "resources temporarily unavailable" reason.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*task.Task, error) {
	if !req.Immediate && !req.Deferred {
		return nil, ErrNoMode
	}
	if _, ok := d.reg.Lookup(req.Name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, req.Name)
	}

	excl, shr := task.SplitResources(req.Exclusive, req.Shared)
	t := &task.Task{
		ID:        task.NewID(),
		Name:      req.Name,
		State:     task.StateWaiting,
		Args:      req.Args,
		Exclusive: excl,
		Shared:    shr,
		GroupID:   req.Group,
		ParentID:  req.Parent,
		CreatedAt: time.Now(),
	}
	if err := d.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("dispatch %q: %w", req.Name, err)
	}
	d.publish(eventbus.TypeTaskDispatched, t)
	d.log.Debug("task dispatched",
		logx.String("task", t.ID), logx.String("name", t.Name),
		logx.Strings("exclusive", excl), logx.Strings("shared", shr),
		logx.Bool("immediate", req.Immediate), logx.Bool("deferred", req.Deferred))

	if !req.Immediate || !d.allowInline {
		return t, nil
	}

	err := d.locks.Acquire(ctx, t.ID, d.owner, t.Exclusive, t.Shared)
	if err != nil {
		if ue, ok := locking.IsUnavailable(err); ok {
			if req.Deferred {
				// Leave it WAITING for a worker's fetch loop.
				d.log.Debug("immediate acquire blocked; deferring",
					logx.String("task", t.ID), logx.Strings("blocked", ue.Blocked))
				return t, nil
			}
			terr := &task.Error{Reason: task.ReasonNoResources}
			if _, ferr := d.store.Finish(ctx, t.ID, "", task.StateCanceled, terr); ferr != nil {
				return nil, ferr
			}
			t.State = task.StateCanceled
			t.Error = terr
			d.publish(eventbus.TypeTaskCanceled, t)
			return t, nil
		}
		// Lock-manager communication failure: the record stays WAITING if
		// deferred is allowed, which is the safe default.
		if req.Deferred {
			d.log.Warn("immediate acquire failed; deferring", logx.String("task", t.ID), logx.Err(err))
			return t, nil
		}
		return nil, fmt.Errorf("dispatch %q: acquire: %w", req.Name, err)
	}

	return d.runInline(ctx, t)
}

// runInline executes the body synchronously in the caller's process after the
// locks were acquired.
func (d *Dispatcher) runInline(ctx context.Context, t *task.Task) (*task.Task, error) {
	ok, err := d.store.Start(ctx, t.ID, d.owner)
	if err != nil || !ok {
		// Either a storage failure or someone raced us; both ways we must not
		// keep the locks.
		d.releaseWithNet(ctx, t)
		if err != nil {
			return nil, err
		}
		return d.store.Get(ctx, t.ID)
	}
	t.State = task.StateRunning
	t.OwnerLock = d.owner
	d.publish(eventbus.TypeTaskStarted, t)

	h, _ := d.reg.Lookup(t.Name)
	bodyErr := runBody(ctx, h, t.Args)

	// Locks are always released before the terminal-state write. A crash
	// between the two leaves only a stale record (recoverable by the sweep);
	// the reverse order could leave a resource locked forever.
	d.releaseWithNet(ctx, t)

	to := task.StateCompleted
	var terr *task.Error
	if bodyErr != nil {
		to = task.StateFailed
		terr = &task.Error{Reason: task.ReasonBodyError, Description: bodyErr.Error()}
	}
	if _, ferr := d.store.Finish(ctx, t.ID, d.owner, to, terr); ferr != nil {
		return nil, ferr
	}
	t.State = to
	t.OwnerLock = ""
	t.Error = terr
	t.FinishedAt = time.Now()
	if to == task.StateCompleted {
		d.publish(eventbus.TypeTaskCompleted, t)
	} else {
		d.publish(eventbus.TypeTaskFailed, t)
		d.log.Warn("inline task failed", logx.String("task", t.ID), logx.String("name", t.Name), logx.Err(bodyErr))
	}
	return t, nil
}

// releaseWithNet releases the task's locks and retries once as a safety net.
// Release errors are logged, never propagated: a failed release is repaired
// by the crash-recovery sweep once our heartbeat lapses.
func (d *Dispatcher) releaseWithNet(ctx context.Context, t *task.Task) {
	err := d.locks.Release(ctx, t.ID, d.owner, t.Exclusive, t.Shared)
	if err == nil {
		return
	}
	d.log.Warn("lock release failed; retrying", logx.String("task", t.ID), logx.Err(err))
	if err := d.locks.Release(ctx, t.ID, d.owner, t.Exclusive, t.Shared); err != nil {
		d.log.Error("lock release failed after retry", logx.String("task", t.ID), logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, t *task.Task) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: *t})
}

// runBody invokes a handler with panic containment: a panicking body becomes
// a task failure, never a crash of the dispatching process.
func runBody(ctx context.Context, h Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, args)
}
