// Package locking implements the distributed resource-reservation primitive:
// an atomic, all-or-nothing acquire of a per-task claim plus a set of named
// exclusive/shared resource locks, and its idempotent release.
//
// Locks have no expiry. They are removed only by explicit release or by the
// crash-recovery sweep; a time-to-live would let two conflicting holders run
// at once if the first one were merely slow.
package locking

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"depot/internal/storage"
	logx "depot/pkg/logx"
)

// Key namespace inside the lock store.
const (
	resourcePrefix = "rlock:"
	taskPrefix     = "tlock:"
	signalPrefix   = "csig:"
)

// SignalTTL is the safety-net expiry on cancellation signals, generous enough
// that a worker missing the initial signal still observes it on a later poll.
const SignalTTL = 4 * time.Hour

func resourceKey(name string) string { return resourcePrefix + name }
func taskKey(id string) string       { return taskPrefix + id }
func signalKey(id string) string     { return signalPrefix + id }

// UnavailableError reports a failed acquire. It is expected and non-fatal:
// callers defer the task or cancel it, they never retry in a tight loop.
type UnavailableError struct {
	// TaskClaimed is set when the task-level claim itself was already held.
	TaskClaimed bool
	// Blocked lists the resource names that had conflicting holders.
	Blocked []string
}

func (e *UnavailableError) Error() string {
	if e.TaskClaimed {
		return "lock unavailable: task already claimed"
	}
	return "lock unavailable: blocked on " + strings.Join(e.Blocked, ", ")
}

// IsUnavailable reports whether err is a failed-acquire result.
func IsUnavailable(err error) (*UnavailableError, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// Manager is the atomic lock primitive shared by the dispatcher, the
// fetch/claim loop and crash recovery.
//
// Acquire canonicalizes both resource lists into sorted order before touching
// the store; the fixed global ordering prevents two workers from deadlocking
// on the same pair of resources requested in different orders. It is
// all-or-nothing: on conflict nothing is acquired and an *UnavailableError
// describes what blocked.
//
// Release is idempotent. Releasing twice, or after a third party already
// force-released the locks, must not error and must never delete a lock that
// has since been re-acquired by a different owner.
type Manager interface {
	Acquire(ctx context.Context, taskID, owner string, exclusive, shared []string) error
	Release(ctx context.Context, taskID, owner string, exclusive, shared []string) error

	// TasksOwnedBy scans the store for task-level claims held by owner.
	// Crash recovery uses it when a worker vanished before recording RUNNING.
	TasksOwnedBy(ctx context.Context, owner string) ([]string, error)

	// ForceReleaseOwner removes every lock held by owner, whatever its kind.
	ForceReleaseOwner(ctx context.Context, owner string) error

	// Cancellation signals live in the same store under their own prefix.
	SignalCancel(ctx context.Context, taskID string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	ClearCancel(ctx context.Context, taskID string) error
}

// Config selects the lock backend.
//
// Driver values:
//   - "sqlite" (default): lock rows in the shared database; transactions
//     provide the atomic multi-key check-and-set.
//   - "memory": in-process map. Single-node deployments and tests.
type Config struct {
	Driver string
}

// Open constructs the configured lock manager.
func Open(cfg Config, db *storage.DB, log logx.Logger) (Manager, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if db == nil {
			return nil, errors.New("sqlite lock driver requires storage")
		}
		return newSQLiteManager(db, log), nil
	case "memory", "mem":
		return NewMemory(log), nil
	default:
		return nil, errors.New("unknown lock driver: " + driver)
	}
}

// canonical returns a trimmed, deduplicated, sorted copy of names.
func canonical(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
