package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config controls a worker process.
//
// All intervals have conservative defaults; TTL must comfortably exceed
// HeartbeatInterval or a healthy worker would look missing under load.
type Config struct {
	// Name identifies this process in the registry and as lock owner.
	// Generated from hostname + pid + random suffix when empty.
	Name string

	HeartbeatInterval time.Duration // heartbeat refresh cadence
	TTL               time.Duration // staleness threshold for "missing"
	ShutdownGrace     time.Duration // time an in-flight task gets at shutdown
	CancelGrace       time.Duration // cooperative-exit window after a cancel signal
	KillEscalation    time.Duration // SIGTERM -> SIGKILL window for child processes

	BatchSize    int           // WAITING tasks fetched per claim pass
	PollInterval time.Duration // base idle sleep, scaled by fleet size

	// MaintenanceEvery runs the crash-recovery sweep and retention purge
	// every N loop iterations.
	MaintenanceEvery int

	// ClaimsPerSec caps lock-store acquire attempts so a hot WAITING backlog
	// cannot hammer the store.
	ClaimsPerSec float64

	// Isolate executes task bodies in a child process so a crashing body
	// cannot take down the supervising worker.
	Isolate bool

	// FinishedTTL is how long terminal task rows are retained. 0 disables
	// the purge.
	FinishedTTL time.Duration

	// Versions are declared capability versions recorded in the registry.
	Versions map[string]string
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.Name = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 6 * c.HeartbeatInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.KillEscalation <= 0 {
		c.KillEscalation = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaintenanceEvery <= 0 {
		c.MaintenanceEvery = 10
	}
	if c.ClaimsPerSec <= 0 {
		c.ClaimsPerSec = 50
	}
	return c
}

// tunables are the loop settings that may change at runtime via Apply.
type tunables struct {
	BatchSize        int
	PollInterval     time.Duration
	MaintenanceEvery int
	ClaimsPerSec     float64
	FinishedTTL      time.Duration
}

func (c Config) tunables() tunables {
	return tunables{
		BatchSize:        c.BatchSize,
		PollInterval:     c.PollInterval,
		MaintenanceEvery: c.MaintenanceEvery,
		ClaimsPerSec:     c.ClaimsPerSec,
		FinishedTTL:      c.FinishedTTL,
	}
}

// Snapshot is a point-in-time diagnostic view of a worker.
type Snapshot struct {
	Name        string    `json:"name"`
	InFlight    string    `json:"in_flight,omitempty"` // task id currently supervised
	Iterations  uint64    `json:"iterations"`
	Claimed     uint64    `json:"claimed"`
	LastSweepAt time.Time `json:"last_sweep_at,omitzero"`
	SweptTasks  uint64    `json:"swept_tasks"`
}
