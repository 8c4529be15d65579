package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration of a depot process.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Locking   LockingConfig   `json:"locking,omitempty"`
	Worker    WorkerConfig    `json:"worker,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the shared database holding tasks, locks and the
// worker registry.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LockingConfig selects the lock backend: "sqlite" (default) or "memory".
type LockingConfig struct {
	Driver string `json:"driver,omitempty"`
}

// WorkerConfig tunes the fetch/claim loop and the task supervisor.
//
// Defaults (when fields are omitted/zero):
//   - heartbeat_interval: "5s"
//   - ttl: 6 x heartbeat_interval
//   - shutdown_grace: "30s"
//   - cancel_grace: "10s"
//   - kill_escalation: "5s"
//   - batch_size: 20
//   - poll_interval: "1s"
//   - maintenance_every: 10
//   - claims_per_sec: 50
type WorkerConfig struct {
	// Name pins the worker identity. Leave empty to generate one from
	// hostname + pid; pin it only for single-worker deployments.
	Name string `json:"name,omitempty"`

	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	TTL               string `json:"ttl,omitempty"`
	ShutdownGrace     string `json:"shutdown_grace,omitempty"`
	CancelGrace       string `json:"cancel_grace,omitempty"`
	KillEscalation    string `json:"kill_escalation,omitempty"`

	BatchSize        int     `json:"batch_size,omitempty"`
	PollInterval     string  `json:"poll_interval,omitempty"`
	MaintenanceEvery int     `json:"maintenance_every,omitempty"`
	ClaimsPerSec     float64 `json:"claims_per_sec,omitempty"`

	// Isolate runs task bodies in a child process.
	Isolate bool `json:"isolate,omitempty"`
}

// SchedulerConfig declares cron-triggered dispatches.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Jobs []JobConfig `json:"jobs,omitempty"`
}

// JobConfig is one scheduled dispatch: at every Schedule tick, dispatch Task
// with the given args and resource lists.
type JobConfig struct {
	Name      string          `json:"name"`
	Schedule  string          `json:"schedule"`
	Task      string          `json:"task"`
	Exclusive []string        `json:"exclusive,omitempty"`
	Shared    []string        `json:"shared,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// RetentionConfig controls how long terminal task rows are kept.
// Empty or "0s" disables the purge.
type RetentionConfig struct {
	FinishedTTL string `json:"finished_ttl,omitempty"`
}

// Validate checks everything that can be checked without side effects, so the
// hot-reload path can reject a bad file before committing it.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
		"worker.ttl":                c.Worker.TTL,
		"worker.shutdown_grace":     c.Worker.ShutdownGrace,
		"worker.cancel_grace":       c.Worker.CancelGrace,
		"worker.kill_escalation":    c.Worker.KillEscalation,
		"worker.poll_interval":      c.Worker.PollInterval,
		"retention.finished_ttl":    c.Retention.FinishedTTL,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if hb, _ := ParseDurationField("", c.Worker.HeartbeatInterval); hb > 0 {
		if ttl, _ := ParseDurationField("", c.Worker.TTL); ttl > 0 && ttl <= hb {
			errs = append(errs, errors.New("worker.ttl must exceed worker.heartbeat_interval"))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Locking.Driver)); d {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("locking.driver: unknown driver %q", d))
	}

	seen := map[string]struct{}{}
	for i, j := range c.Scheduler.Jobs {
		if strings.TrimSpace(j.Name) == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: name is required", i))
			continue
		}
		if _, dup := seen[j.Name]; dup {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: duplicate name %q", i, j.Name))
		}
		seen[j.Name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d] %q: schedule is required", i, j.Name))
		}
		if strings.TrimSpace(j.Task) == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d] %q: task is required", i, j.Name))
		}
	}

	return errors.Join(errs...)
}

// FinishedTTL returns the parsed retention window (0 = purge disabled).
func (c *Config) FinishedTTL() (time.Duration, error) {
	return ParseDurationField("retention.finished_ttl", c.Retention.FinishedTTL)
}
