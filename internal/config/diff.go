package config

import (
	"reflect"
	"sort"
	"strings"

	logx "depot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging, so the reload log line says what moved without
// dumping the whole file.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Locking != newCfg.Locking {
		changed = append(changed, "locking")
		attrs = append(attrs, logx.String("locking.driver", strings.TrimSpace(newCfg.Locking.Driver)))
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.heartbeat_interval", strings.TrimSpace(newCfg.Worker.HeartbeatInterval)),
			logx.String("worker.ttl", strings.TrimSpace(newCfg.Worker.TTL)),
			logx.Int("worker.batch_size", newCfg.Worker.BatchSize),
			logx.String("worker.poll_interval", strings.TrimSpace(newCfg.Worker.PollInterval)),
			logx.Bool("worker.isolate", newCfg.Worker.Isolate),
		)
	}

	jobsChanged := diffJobs(oldCfg.Scheduler.Jobs, newCfg.Scheduler.Jobs)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		len(jobsChanged) > 0 {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.jobs", len(newCfg.Scheduler.Jobs)),
			logx.Strings("scheduler.jobs_changed", jobsChanged),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs, logx.String("retention.finished_ttl", strings.TrimSpace(newCfg.Retention.FinishedTTL)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffJobs returns the names of scheduled jobs that were added, removed or
// modified.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[j.Name] = j
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
