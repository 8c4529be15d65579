package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"depot/internal/task"
	logx "depot/pkg/logx"
)

// childExecution supervises a task body isolated in a child process. A crash
// of the body (OOM, segfault in a cgo dependency, runaway panic) cannot take
// down the worker; the supervisor only observes the exit code.
type childExecution struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	ch     chan outcome
	log    logx.Logger
}

func (e *childExecution) done() <-chan outcome { return e.ch }

func (e *childExecution) cancel() {
	if e.cmd.Process == nil {
		return
	}
	if err := e.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.log.Warn("SIGTERM failed", logx.Err(err))
	}
}

func (e *childExecution) kill() {
	if e.cmd.Process == nil {
		return
	}
	if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.log.Warn("kill failed", logx.Err(err))
	}
}

// startChild spawns this binary's exec-task subcommand with the task payload
// on stdin.
func (s *Service) startChild(t *task.Task) (execution, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}
	payload, err := json.Marshal(ExecPayload{ID: t.ID, Name: t.Name, Args: t.Args})
	if err != nil {
		return nil, err
	}

	// Deliberately not CommandContext: lifetime is managed by the
	// supervisor's cancel/kill escalation, not by context teardown.
	cmd := exec.Command(exe, "exec-task")
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting task process: %w", err)
	}

	e := &childExecution{
		cmd:    cmd,
		stderr: &stderr,
		ch:     make(chan outcome, 1),
		log:    s.log.With(logx.String("task", t.ID), logx.Int("pid", cmd.Process.Pid)),
	}
	go func() {
		err := cmd.Wait()
		e.ch <- interpretExit(err, e.stderr)
	}()
	return e, nil
}

// interpretExit maps a child exit into an outcome: 0 is success, ExitCanceled
// means the body unwound cooperatively after SIGTERM, anything else (including
// a kill) is a failure with the stderr tail as the description.
func interpretExit(waitErr error, stderr *bytes.Buffer) outcome {
	if waitErr == nil {
		return outcome{}
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ee.ExitCode() == ExitCanceled {
			return outcome{canceled: true}
		}
		desc := stderrTail(stderr)
		if desc == "" {
			desc = ee.String()
		}
		return outcome{err: errors.New(desc), reason: task.ReasonNonZeroExit}
	}
	return outcome{err: waitErr, reason: task.ReasonNonZeroExit}
}

func stderrTail(b *bytes.Buffer) string {
	s := strings.TrimSpace(b.String())
	if s == "" {
		return ""
	}
	const maxLen = 2048
	if len(s) > maxLen {
		s = "..." + s[len(s)-maxLen:]
	}
	return s
}
