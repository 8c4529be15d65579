package sched

import (
	"context"
	"encoding/json"
	"testing"

	"depot/internal/config"
	"depot/internal/dispatch"
	"depot/internal/locking"
	"depot/internal/storage"
	"depot/internal/task"
	"depot/internal/task/store"
	logx "depot/pkg/logx"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db, logx.Nop())
	reg := dispatch.NewRegistry()
	reg.MustRegister("repository.sync", func(context.Context, json.RawMessage) error { return nil })
	disp := dispatch.New(st, locking.NewMemory(logx.Nop()), reg, nil, logx.Nop(), "sched-test", false)
	return New(Config{Enabled: true, Timezone: "UTC"}, disp, logx.Nop()), st
}

func TestTriggerLeavesDeferredTask(t *testing.T) {
	t.Parallel()
	s, st := newService(t)

	s.trigger(config.JobConfig{
		Name:      "nightly",
		Task:      "repository.sync",
		Exclusive: []string{"repositories/main"},
		Args:      json.RawMessage(`{"repository":"main","remote":"up"}`),
	})

	got, err := st.ListGroup(context.Background(), "sched:nightly")
	if err != nil {
		t.Fatalf("list group: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d tasks, want 1", len(got))
	}
	if got[0].State != task.StateWaiting || got[0].Name != "repository.sync" {
		t.Errorf("task = %+v", got[0])
	}
}

func TestTriggerUnknownTaskCreatesNothing(t *testing.T) {
	t.Parallel()
	s, st := newService(t)

	s.trigger(config.JobConfig{Name: "bad", Task: "no.such.task"})

	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("tasks created for unknown handler: %v", got)
	}
}

func TestSetJobsAndSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)

	s.SetJobs([]config.JobConfig{
		{Name: "hourly", Schedule: "@hourly", Task: "repository.sync"},
		{Name: "broken", Schedule: "not a schedule", Task: "repository.sync"},
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Enabled || snap.Timezone != "UTC" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Jobs) != 2 {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	byName := map[string]JobInfo{}
	for _, j := range snap.Jobs {
		byName[j.Name] = j
	}
	if byName["hourly"].Next.IsZero() {
		t.Error("valid job has no next trigger time")
	}
	// An unparsable schedule fails registration but must not take the
	// scheduler down with it.
	if !byName["broken"].Next.IsZero() {
		t.Error("broken job got scheduled")
	}

	// Replacing the set drops stale entries.
	s.SetJobs([]config.JobConfig{{Name: "daily", Schedule: "@daily", Task: "repository.sync"}})
	snap = s.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Name != "daily" {
		t.Errorf("jobs after replace = %+v", snap.Jobs)
	}
	if snap.Jobs[0].Next.IsZero() {
		t.Error("replacement job not registered on the running cron")
	}
}
