package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"depot/internal/app"
	"depot/internal/config"
	"depot/internal/dispatch"
	"depot/internal/jobs"
	"depot/internal/storage"
	"depot/internal/task/store"
	"depot/internal/worker"
	logx "depot/pkg/logx"
)

// configEnv lets exec-task children find the config file without the worker
// threading the path through every layer.
const configEnv = "DEPOT_CONFIG"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "exec-task" {
		os.Exit(execTask())
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./depot.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_ = os.Setenv(configEnv, cfgPath)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	_ = a.Stop(context.Background())

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// execTask is the isolated task body: read the payload from stdin, run the
// handler, exit with a code the supervising worker interprets. SIGTERM is the
// cooperative cancel signal.
func execTask() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.NewConsole(os.Getenv("DEPOT_LOG_LEVEL")).With(logx.String("comp", "exec-task"))

	deps := jobs.Deps{Log: log}
	if cfgPath := os.Getenv(configEnv); cfgPath != "" {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "exec-task: config:", err)
			return 2
		}
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, "exec-task: config:", err)
			return 2
		}
		db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, "exec-task: storage:", err)
			return 2
		}
		defer db.Close()
		deps.Store = store.New(db, log)
	}

	reg := dispatch.NewRegistry()
	jobs.RegisterAll(reg, deps)
	return worker.ChildRun(ctx, reg, os.Stdin, log)
}
