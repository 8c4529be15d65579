package locking

import (
	"context"
	"slices"
	"testing"

	"depot/internal/storage"
	logx "depot/pkg/logx"
)

// forEachBackend runs fn against a fresh instance of every lock backend, so
// the Manager contract is verified for both.
func forEachBackend(t *testing.T, fn func(t *testing.T, m Manager)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory(logx.Nop()))
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		m, err := Open(Config{Driver: "sqlite"}, db, logx.Nop())
		if err != nil {
			t.Fatalf("open manager: %v", err)
		}
		fn(t, m)
	})
}

func mustAcquire(t *testing.T, m Manager, taskID, owner string, excl, shr []string) {
	t.Helper()
	if err := m.Acquire(context.Background(), taskID, owner, excl, shr); err != nil {
		t.Fatalf("acquire %s by %s: %v", taskID, owner, err)
	}
}

func TestExclusiveMutualExclusion(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", []string{"repositories/a"}, nil)

		err := m.Acquire(ctx, "t2", "w2", []string{"repositories/a"}, nil)
		ue, ok := IsUnavailable(err)
		if !ok {
			t.Fatalf("second exclusive acquire: got %v, want UnavailableError", err)
		}
		if ue.TaskClaimed || !slices.Contains(ue.Blocked, "repositories/a") {
			t.Errorf("unexpected conflict detail: %+v", ue)
		}

		// Shared access to an exclusively held resource is blocked too.
		if err := m.Acquire(ctx, "t3", "w3", nil, []string{"repositories/a"}); err == nil {
			t.Error("shared acquire over exclusive holder succeeded")
		}

		// After release the resource is free again.
		if err := m.Release(ctx, "t1", "w1", []string{"repositories/a"}, nil); err != nil {
			t.Fatalf("release: %v", err)
		}
		mustAcquire(t, m, "t2", "w2", []string{"repositories/a"}, nil)
	})
}

func TestSharedCompatibility(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", nil, []string{"repositories/a"})
		mustAcquire(t, m, "t2", "w2", nil, []string{"repositories/a"})

		// Any shared holder blocks an exclusive request.
		if err := m.Acquire(ctx, "t3", "w3", []string{"repositories/a"}, nil); err == nil {
			t.Fatal("exclusive acquire over shared holders succeeded")
		}

		// Exclusive becomes possible only after the last shared holder leaves.
		if err := m.Release(ctx, "t1", "w1", nil, []string{"repositories/a"}); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := m.Acquire(ctx, "t3", "w3", []string{"repositories/a"}, nil); err == nil {
			t.Fatal("exclusive acquire with one shared holder left succeeded")
		}
		if err := m.Release(ctx, "t2", "w2", nil, []string{"repositories/a"}); err != nil {
			t.Fatalf("release: %v", err)
		}
		mustAcquire(t, m, "t3", "w3", []string{"repositories/a"}, nil)
	})
}

func TestAcquireAllOrNothing(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", []string{"repositories/b"}, nil)

		// a is free, b is not: the whole acquire must fail and leave a free.
		err := m.Acquire(ctx, "t2", "w2", []string{"repositories/a", "repositories/b"}, nil)
		if _, ok := IsUnavailable(err); !ok {
			t.Fatalf("partial-conflict acquire: got %v", err)
		}
		mustAcquire(t, m, "t3", "w3", []string{"repositories/a"}, nil)

		// The failed acquire must not have claimed the task either.
		mustAcquire(t, m, "t2", "w2", nil, nil)
	})
}

func TestTaskClaimConflict(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		mustAcquire(t, m, "t1", "w1", nil, nil)

		err := m.Acquire(context.Background(), "t1", "w2", nil, nil)
		ue, ok := IsUnavailable(err)
		if !ok || !ue.TaskClaimed {
			t.Fatalf("claiming a claimed task: got %v, want TaskClaimed", err)
		}
	})
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", []string{"repositories/a"}, []string{"repositories/s"})

		for i := 0; i < 3; i++ {
			if err := m.Release(ctx, "t1", "w1", []string{"repositories/a"}, []string{"repositories/s"}); err != nil {
				t.Fatalf("release #%d: %v", i+1, err)
			}
		}
	})
}

func TestReleaseNeverStealsReacquiredLock(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", []string{"repositories/a"}, nil)

		// Recovery force-releases w1, then another worker takes the resource.
		if err := m.ForceReleaseOwner(ctx, "w1"); err != nil {
			t.Fatalf("force release: %v", err)
		}
		mustAcquire(t, m, "t2", "w2", []string{"repositories/a"}, nil)

		// w1's late release must not delete w2's lock.
		if err := m.Release(ctx, "t1", "w1", []string{"repositories/a"}, nil); err != nil {
			t.Fatalf("late release: %v", err)
		}
		if err := m.Acquire(ctx, "t3", "w3", []string{"repositories/a"}, nil); err == nil {
			t.Fatal("w2's lock vanished after w1's stale release")
		}
	})
}

func TestCanonicalizationDedupes(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		// Duplicate, unsorted, padded input must behave like the clean set.
		mustAcquire(t, m, "t1", "w1", []string{"b", " a ", "a", "b"}, nil)

		for _, r := range []string{"a", "b"} {
			if err := m.Acquire(ctx, "t2", "w2", []string{r}, nil); err == nil {
				t.Fatalf("resource %q not locked", r)
			}
		}
		if err := m.Release(ctx, "t1", "w1", []string{"a", "b"}, nil); err != nil {
			t.Fatalf("release: %v", err)
		}
		mustAcquire(t, m, "t2", "w2", []string{"a", "b"}, nil)
	})
}

func TestTasksOwnedByAndForceRelease(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()
		mustAcquire(t, m, "t1", "w1", []string{"a"}, nil)
		mustAcquire(t, m, "t2", "w1", []string{"b"}, nil)
		mustAcquire(t, m, "t3", "w2", []string{"c"}, nil)

		ids, err := m.TasksOwnedBy(ctx, "w1")
		if err != nil {
			t.Fatalf("tasks owned: %v", err)
		}
		slices.Sort(ids)
		if !slices.Equal(ids, []string{"t1", "t2"}) {
			t.Errorf("TasksOwnedBy(w1) = %v, want [t1 t2]", ids)
		}

		if err := m.ForceReleaseOwner(ctx, "w1"); err != nil {
			t.Fatalf("force release: %v", err)
		}
		ids, err = m.TasksOwnedBy(ctx, "w1")
		if err != nil {
			t.Fatalf("tasks owned: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("claims survived force release: %v", ids)
		}
		// w2 untouched, freed resources reusable.
		mustAcquire(t, m, "t4", "w3", []string{"a", "b"}, nil)
		if err := m.Acquire(ctx, "t5", "w3", []string{"c"}, nil); err == nil {
			t.Error("w2's lock was force-released along with w1's")
		}
	})
}

func TestCancelSignals(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, m Manager) {
		ctx := context.Background()

		req, err := m.CancelRequested(ctx, "t1")
		if err != nil || req {
			t.Fatalf("fresh task: requested=%v err=%v", req, err)
		}
		if err := m.SignalCancel(ctx, "t1"); err != nil {
			t.Fatalf("signal: %v", err)
		}
		// Signaling twice is fine (cancel is idempotent at the API level).
		if err := m.SignalCancel(ctx, "t1"); err != nil {
			t.Fatalf("re-signal: %v", err)
		}
		if req, err = m.CancelRequested(ctx, "t1"); err != nil || !req {
			t.Fatalf("after signal: requested=%v err=%v", req, err)
		}
		if err := m.ClearCancel(ctx, "t1"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if req, err = m.CancelRequested(ctx, "t1"); err != nil || req {
			t.Fatalf("after clear: requested=%v err=%v", req, err)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, nil, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, nil, logx.Nop()); err == nil {
		t.Fatal("sqlite driver without storage accepted")
	}
}
