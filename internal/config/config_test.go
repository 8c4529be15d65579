package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const goodYAML = `
logging:
  level: debug
  console: true
storage:
  path: /var/lib/depot/depot.db
  busy_timeout: 5s
locking:
  driver: sqlite
worker:
  heartbeat_interval: 2s
  ttl: 30s
  batch_size: 10
  isolate: true
scheduler:
  enabled: true
  timezone: UTC
  jobs:
    - name: nightly-sync
      schedule: "0 3 * * *"
      task: repository.sync
      exclusive: [repositories/main]
      args:
        repository: main
        remote: upstream
retention:
  finished_ttl: 72h
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "depot.yaml", goodYAML))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/var/lib/depot/depot.db" || cfg.Storage.BusyTimeout != "5s" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Worker.HeartbeatInterval != "2s" || cfg.Worker.BatchSize != 10 || !cfg.Worker.Isolate {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if len(cfg.Scheduler.Jobs) != 1 {
		t.Fatalf("jobs = %+v", cfg.Scheduler.Jobs)
	}
	j := cfg.Scheduler.Jobs[0]
	if j.Name != "nightly-sync" || j.Task != "repository.sync" || len(j.Args) == 0 {
		t.Errorf("job = %+v", j)
	}
	if ttl, err := cfg.FinishedTTL(); err != nil || ttl != 72*time.Hour {
		t.Errorf("finished ttl = %v, %v", ttl, err)
	}
	// Load commits: Get serves the same config.
	if m.Get() != cfg {
		t.Error("Get() did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "depot.yaml", `
storage:
  path: /tmp/d.db
  pathh: typo
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{Storage: StorageConfig{Path: "/tmp/d.db"}}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"minimal ok", func(*Config) {}, ""},
		{"missing storage path", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
		{"bad duration", func(c *Config) { c.Worker.HeartbeatInterval = "fast" }, "worker.heartbeat_interval"},
		{"negative duration", func(c *Config) { c.Worker.TTL = "-1s" }, "worker.ttl"},
		{"ttl not above heartbeat", func(c *Config) {
			c.Worker.HeartbeatInterval = "10s"
			c.Worker.TTL = "10s"
		}, "must exceed"},
		{"unknown lock driver", func(c *Config) { c.Locking.Driver = "etcd" }, "locking.driver"},
		{"job without name", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{Schedule: "@hourly", Task: "x"}}
		}, "name is required"},
		{"job without schedule", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{Name: "a", Task: "x"}}
		}, "schedule is required"},
		{"job without task", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{{Name: "a", Schedule: "@hourly"}}
		}, "task is required"},
		{"duplicate job names", func(c *Config) {
			c.Scheduler.Jobs = []JobConfig{
				{Name: "a", Schedule: "@hourly", Task: "x"},
				{Name: "a", Schedule: "@daily", Task: "y"},
			}
		}, "duplicate name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Errorf("empty: %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", " 1500ms "); err != nil || d != 1500*time.Millisecond {
		t.Errorf("padded: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Error("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Errorf("default: %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", 7*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("override: %v, %v", d, err)
	}
}

func TestReloadKeepsCommittedConfigOnBadFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "depot.yaml", goodYAML)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// A file that parses but fails validation must not replace the committed
	// config on the reload path.
	if err := os.WriteFile(path, []byte("storage:\n  path: ''\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get() != old {
		t.Error("invalid file replaced the committed config")
	}
}

func TestReloadPublishesAndDedupes(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "depot.yaml", goodYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Same content again: the hash dedupe suppresses the publish.
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		t.Fatalf("unchanged file published: %+v", cfg)
	default:
	}

	changed := strings.Replace(goodYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Errorf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("changed file not published")
	}
}

func TestReloadHonorsValidatorHook(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "depot.yaml", goodYAML)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error {
		return context.Canceled
	})

	changed := strings.Replace(goodYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if m.Get() != old {
		t.Error("config committed despite validator rejection")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	// Unsubscribing twice is harmless.
	m.Unsubscribe(ch)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Path: "/tmp/d.db"},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Jobs: []JobConfig{
				{Name: "a", Schedule: "@hourly", Task: "x"},
				{Name: "b", Schedule: "@daily", Task: "y"},
			},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: StorageConfig{Path: "/tmp/d.db"},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Jobs: []JobConfig{
				{Name: "a", Schedule: "@hourly", Task: "x"},
				{Name: "c", Schedule: "@weekly", Task: "z"},
			},
		},
		Retention: RetentionConfig{FinishedTTL: "24h"},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "retention", "scheduler"}; !slices.Equal(changed, want) {
		t.Errorf("changed = %v, want %v", changed, want)
	}

	if got := diffJobs(oldCfg.Scheduler.Jobs, newCfg.Scheduler.Jobs); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("diffJobs = %v, want [b c]", got)
	}

	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Errorf("identical configs reported changes: %v", changed)
	}
}
