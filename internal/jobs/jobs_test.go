package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"depot/internal/dispatch"
	"depot/internal/storage"
	"depot/internal/task"
	"depot/internal/task/store"
	logx "depot/pkg/logx"
)

func TestRegisterAll(t *testing.T) {
	t.Parallel()
	reg := dispatch.NewRegistry()
	RegisterAll(reg, Deps{})

	for _, name := range []string{TaskSync, TaskPublish, TaskExport, TaskPrune} {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestSyncHandlerArgs(t *testing.T) {
	t.Parallel()
	d := Deps{Log: logx.Nop()}
	ctx := context.Background()

	if err := d.syncHandler(ctx, json.RawMessage(`{"repository":"a","remote":"r"}`)); err != nil {
		t.Errorf("valid args: %v", err)
	}
	if err := d.syncHandler(ctx, nil); err == nil {
		t.Error("missing args accepted")
	}
	if err := d.syncHandler(ctx, json.RawMessage(`{"repository":"a"}`)); err == nil {
		t.Error("missing remote accepted")
	}
	// Strict decoding: a typo in a job definition fails the task.
	if err := d.syncHandler(ctx, json.RawMessage(`{"repository":"a","remot":"r"}`)); err == nil {
		t.Error("unknown arg field accepted")
	}
}

func TestHandlersHonorCancellation(t *testing.T) {
	t.Parallel()
	d := Deps{Log: logx.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.publishHandler(ctx, json.RawMessage(`{"repository":"a"}`)); err != context.Canceled {
		t.Errorf("publish on canceled ctx: %v", err)
	}
	if err := d.exportHandler(ctx, json.RawMessage(`{"repository":"a","dest":"/tmp/x"}`)); err != context.Canceled {
		t.Errorf("export on canceled ctx: %v", err)
	}
}

func TestPruneHandler(t *testing.T) {
	t.Parallel()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, logx.Nop())
	d := Deps{Store: st, Log: logx.Nop()}
	ctx := context.Background()

	tk := &task.Task{ID: task.NewID(), Name: "x", State: task.StateWaiting, CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := st.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Start(ctx, tk.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Finish(ctx, tk.ID, "w1", task.StateCompleted, nil); err != nil {
		t.Fatal(err)
	}
	// Age the terminal row past the prune window.
	if _, err := db.SQL().Exec(`UPDATE tasks SET finished_at = ? WHERE id = ?`,
		time.Now().Add(-24*time.Hour).UnixMilli(), tk.ID); err != nil {
		t.Fatal(err)
	}

	if err := d.pruneHandler(ctx, json.RawMessage(`{"older_than":"1h"}`)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := st.Get(ctx, tk.ID); err == nil {
		t.Error("aged task survived prune")
	}

	if err := d.pruneHandler(ctx, json.RawMessage(`{"older_than":"soon"}`)); err == nil || !strings.Contains(err.Error(), "older_than") {
		t.Errorf("bad window: %v", err)
	}
	noStore := Deps{Log: logx.Nop()}
	if err := noStore.pruneHandler(ctx, json.RawMessage(`{"older_than":"1h"}`)); err == nil {
		t.Error("prune without a store accepted")
	}
}

func TestRepoResource(t *testing.T) {
	t.Parallel()
	if got := RepoResource("main"); got != "repositories/main" {
		t.Errorf("RepoResource = %q", got)
	}
}
