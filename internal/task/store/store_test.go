package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"depot/internal/storage"
	"depot/internal/task"
	logx "depot/pkg/logx"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop())
}

func mkTask(t *testing.T, s *Store, name string, created time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:        task.NewID(),
		Name:      name,
		State:     task.StateWaiting,
		Exclusive: []string{"repositories/a"},
		Shared:    []string{"remotes/r"},
		CreatedAt: created,
	}
	if err := s.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	return tk
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	in := &task.Task{
		ID:        task.NewID(),
		Name:      "repository.sync",
		Args:      []byte(`{"repository":"a","remote":"r"}`),
		Exclusive: []string{"repositories/a"},
		Shared:    []string{"remotes/r"},
		GroupID:   "g1",
		ParentID:  "p1",
	}
	if err := s.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != task.StateWaiting {
		t.Errorf("state = %s, want waiting", got.State)
	}
	if got.Name != in.Name || got.GroupID != "g1" || got.ParentID != "p1" {
		t.Errorf("fields lost: %+v", got)
	}
	if len(got.Exclusive) != 1 || got.Exclusive[0] != "repositories/a" {
		t.Errorf("exclusive = %v", got.Exclusive)
	}
	if len(got.Shared) != 1 || got.Shared[0] != "remotes/r" {
		t.Errorf("shared = %v", got.Shared)
	}
	if got.CreatedAt.IsZero() || !got.StartedAt.IsZero() || !got.FinishedAt.IsZero() {
		t.Errorf("timestamps: created=%v started=%v finished=%v", got.CreatedAt, got.StartedAt, got.FinishedAt)
	}

	if _, err := s.Get(ctx, "task-nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestListWaitingOrderAndExclude(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	t1 := mkTask(t, s, "a", base)
	t2 := mkTask(t, s, "b", base.Add(time.Second))
	t3 := mkTask(t, s, "c", base.Add(2*time.Second))

	got, err := s.ListWaiting(ctx, 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != t1.ID || got[1].ID != t2.ID || got[2].ID != t3.ID {
		t.Fatalf("unexpected order: %v", ids(got))
	}

	got, err = s.ListWaiting(ctx, 10, []string{t1.ID, t3.ID})
	if err != nil {
		t.Fatalf("list with exclude: %v", err)
	}
	if len(got) != 1 || got[0].ID != t2.ID {
		t.Fatalf("exclude ignored: %v", ids(got))
	}

	// Started tasks drop out of the waiting list.
	if ok, err := s.Start(ctx, t1.ID, "w1"); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	got, _ = s.ListWaiting(ctx, 10, nil)
	if len(got) != 2 {
		t.Fatalf("started task still listed: %v", ids(got))
	}
}

func TestStartIsCompareAndSet(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	tk := mkTask(t, s, "a", time.Now())

	ok, err := s.Start(ctx, tk.ID, "w1")
	if err != nil || !ok {
		t.Fatalf("first start: ok=%v err=%v", ok, err)
	}
	ok, err = s.Start(ctx, tk.ID, "w2")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if ok {
		t.Fatal("two workers both won the start transition")
	}

	got, _ := s.Get(ctx, tk.ID)
	if got.State != task.StateRunning || got.OwnerLock != "w1" {
		t.Errorf("state=%s owner=%s, want running/w1", got.State, got.OwnerLock)
	}
	if got.StartedAt.IsZero() {
		t.Error("started_at not stamped")
	}
}

func TestCancelWaitingAndMarkCanceling(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	tk := mkTask(t, s, "a", time.Now())
	if ok, err := s.MarkCanceling(ctx, tk.ID); err != nil || ok {
		t.Fatalf("canceling a waiting task should CAS-fail: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CancelWaiting(ctx, tk.ID); err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.State != task.StateCanceled || got.FinishedAt.IsZero() {
		t.Errorf("state=%s finished=%v", got.State, got.FinishedAt)
	}

	tk2 := mkTask(t, s, "b", time.Now())
	if _, err := s.Start(ctx, tk2.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.CancelWaiting(ctx, tk2.ID); err != nil || ok {
		t.Fatalf("cancel-waiting on a running task should CAS-fail: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkCanceling(ctx, tk2.ID); err != nil || !ok {
		t.Fatalf("mark canceling: ok=%v err=%v", ok, err)
	}
}

func TestFinishOwnerGuardAndInvariant(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	tk := mkTask(t, s, "a", time.Now())
	if _, err := s.Start(ctx, tk.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	// A different owner must not write the terminal state.
	ok, err := s.Finish(ctx, tk.ID, "w2", task.StateCompleted, nil)
	if err != nil {
		t.Fatalf("finish by stranger: %v", err)
	}
	if ok {
		t.Fatal("stranger finished someone else's task")
	}

	ok, err = s.Finish(ctx, tk.ID, "w1", task.StateCompleted, nil)
	if err != nil || !ok {
		t.Fatalf("finish by owner: ok=%v err=%v", ok, err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.State != task.StateCompleted {
		t.Errorf("state = %s", got.State)
	}
	// Terminal tasks never keep an owner.
	if got.OwnerLock != "" {
		t.Errorf("owner_lock survived finish: %q", got.OwnerLock)
	}
	if got.FinishedAt.IsZero() {
		t.Error("finished_at not stamped")
	}

	// A terminal task is not finishable again.
	ok, err = s.Finish(ctx, tk.ID, "w1", task.StateFailed, &task.Error{Reason: "x"})
	if err != nil || ok {
		t.Fatalf("double finish: ok=%v err=%v", ok, err)
	}

	// Finishing to a non-terminal state is a caller bug.
	if _, err := s.Finish(ctx, tk.ID, "w1", task.StateRunning, nil); err == nil {
		t.Fatal("finish to running accepted")
	}
}

func TestFinishRecordsError(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	tk := mkTask(t, s, "a", time.Now())
	if _, err := s.Start(ctx, tk.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	terr := &task.Error{Reason: task.ReasonBodyError, Description: "remote unreachable"}
	if ok, err := s.Finish(ctx, tk.ID, "w1", task.StateFailed, terr); err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}
	got, _ := s.Get(ctx, tk.ID)
	if got.Error == nil || got.Error.Reason != task.ReasonBodyError || got.Error.Description != "remote unreachable" {
		t.Errorf("error = %+v", got.Error)
	}
}

func TestFindByOwner(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	t1 := mkTask(t, s, "a", time.Now())
	t2 := mkTask(t, s, "b", time.Now())
	mkTask(t, s, "c", time.Now())
	if _, err := s.Start(ctx, t1.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(ctx, t2.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindByOwner(ctx, "w1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FindByOwner = %v, want 2 tasks", ids(got))
	}
}

func TestPurgeFinished(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	old := mkTask(t, s, "old", time.Now().Add(-2*time.Hour))
	if _, err := s.Start(ctx, old.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finish(ctx, old.ID, "w1", task.StateCompleted, nil); err != nil {
		t.Fatal(err)
	}
	fresh := mkTask(t, s, "fresh", time.Now())

	// Finished just now; cutoff in the past purges nothing.
	n, err := s.PurgeFinished(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("early purge: n=%d err=%v", n, err)
	}

	// Cutoff in the future sweeps the terminal row but never a waiting one.
	n, err = s.PurgeFinished(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged task still present: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("waiting task purged: %v", err)
	}
}

func ids(ts []*task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
