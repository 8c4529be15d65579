// Package jobs carries the built-in task bodies: repository sync, publish,
// export and the prune job. Bodies decode their args strictly so a typo in a
// scheduled job definition fails the task instead of silently doing nothing.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"depot/internal/dispatch"
	"depot/internal/task/store"
	logx "depot/pkg/logx"
)

// Task names as registered in the dispatch registry.
const (
	TaskSync    = "repository.sync"
	TaskPublish = "repository.publish"
	TaskExport  = "repository.export"
	TaskPrune   = "tasks.prune"
)

// RepoResource is the lock-resource name for a repository. Sync and publish
// take it exclusively; export takes it shared.
func RepoResource(name string) string { return "repositories/" + name }

// Deps are the collaborators the built-in bodies need.
type Deps struct {
	Store *store.Store
	Log   logx.Logger
}

// RegisterAll registers every built-in handler. Both the daemon and its
// exec-task child call this, so isolated bodies resolve the same names.
func RegisterAll(reg *dispatch.Registry, d Deps) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	reg.MustRegister(TaskSync, d.syncHandler)
	reg.MustRegister(TaskPublish, d.publishHandler)
	reg.MustRegister(TaskExport, d.exportHandler)
	reg.MustRegister(TaskPrune, d.pruneHandler)
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return errors.New("args required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// SyncArgs drive repository.sync.
type SyncArgs struct {
	Repository string `json:"repository"`
	Remote     string `json:"remote"`
}

func (d Deps) syncHandler(ctx context.Context, raw json.RawMessage) error {
	var a SyncArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if a.Repository == "" || a.Remote == "" {
		return errors.New("sync: repository and remote are required")
	}
	log := d.Log.With(logx.String("repository", a.Repository), logx.String("remote", a.Remote))
	return runStages(ctx, log, "fetch-metadata", "download-artifacts", "commit-version")
}

// PublishArgs drive repository.publish.
type PublishArgs struct {
	Repository string `json:"repository"`
}

func (d Deps) publishHandler(ctx context.Context, raw json.RawMessage) error {
	var a PublishArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if a.Repository == "" {
		return errors.New("publish: repository is required")
	}
	log := d.Log.With(logx.String("repository", a.Repository))
	return runStages(ctx, log, "resolve-version", "generate-metadata", "atomically-swap")
}

// ExportArgs drive repository.export.
type ExportArgs struct {
	Repository string `json:"repository"`
	Dest       string `json:"dest"`
}

func (d Deps) exportHandler(ctx context.Context, raw json.RawMessage) error {
	var a ExportArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if a.Repository == "" || a.Dest == "" {
		return errors.New("export: repository and dest are required")
	}
	log := d.Log.With(logx.String("repository", a.Repository), logx.String("dest", a.Dest))
	return runStages(ctx, log, "enumerate-content", "write-archive")
}

// PruneArgs drive tasks.prune: delete terminal task rows older than the window.
type PruneArgs struct {
	OlderThan string `json:"older_than"`
}

func (d Deps) pruneHandler(ctx context.Context, raw json.RawMessage) error {
	var a PruneArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	window, err := time.ParseDuration(a.OlderThan)
	if err != nil || window <= 0 {
		return fmt.Errorf("prune: invalid older_than %q", a.OlderThan)
	}
	if d.Store == nil {
		return errors.New("prune: no task store")
	}
	n, err := d.Store.PurgeFinished(ctx, time.Now().Add(-window))
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	d.Log.Info("pruned finished tasks", logx.Int64("count", n), logx.Duration("older_than", window))
	return nil
}

// runStages executes named stages in order, honoring cancellation between
// them. The stages are placeholders for the artifact-store plumbing; the
// interesting part here is that each body is a cancelable unit the supervisor
// can reason about.
func runStages(ctx context.Context, log logx.Logger, stages ...string) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			log.Debug("stage aborted", logx.String("stage", st))
			return err
		}
		log.Debug("stage done", logx.String("stage", st))
	}
	return nil
}
