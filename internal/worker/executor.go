package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"depot/internal/dispatch"
	"depot/internal/task"
	logx "depot/pkg/logx"
)

// outcome is the interpreted result of a task body run.
type outcome struct {
	err      error
	reason   string // stable failure reason when err is non-nil
	canceled bool   // body exited through cooperative cancellation
}

// execution is a running task body the supervisor can wait on, cancel
// cooperatively, and as a last resort kill.
type execution interface {
	done() <-chan outcome
	// cancel delivers cooperative cancellation (context cancel or SIGTERM).
	cancel()
	// kill force-terminates the body. Only child processes can truly be
	// preempted; in-process bodies are abandoned instead.
	kill()
}

// ExitCanceled is the child process exit code for "terminated cooperatively
// after a cancel signal". Any other non-zero exit is a failure.
const ExitCanceled = 3

// ExecPayload is the task description passed to an exec-task child process
// on stdin.
type ExecPayload struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ---- in-process execution ----

type inprocExecution struct {
	cancelFn context.CancelFunc
	ch       chan outcome
}

func (e *inprocExecution) done() <-chan outcome { return e.ch }
func (e *inprocExecution) cancel()              { e.cancelFn() }
func (e *inprocExecution) kill()                { e.cancelFn() }

// startInProc runs the handler in a goroutine of this process. The body's
// context is detached from the loop context: worker shutdown delivers
// cancellation through the supervisor's grace procedure, not by yanking the
// context out from under a running body.
func (s *Service) startInProc(ctx context.Context, t *task.Task, h dispatch.Handler) execution {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &inprocExecution{cancelFn: cancel, ch: make(chan outcome, 1)}
	go func() {
		err := runSafely(runCtx, h, t.Args)
		canceled := runCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled))
		if canceled {
			err = nil
		}
		e.ch <- outcome{err: err, canceled: canceled}
	}()
	return e
}

// runSafely contains body panics: a crashing body fails its task, never the
// supervising worker.
func runSafely(ctx context.Context, h dispatch.Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, args)
}

// ---- child-side entry point ----

// ChildRun is the body of the exec-task subcommand. It reads an ExecPayload
// from r, resolves the handler and runs it under ctx (which the subcommand
// wires to SIGTERM). The returned value is the process exit code.
func ChildRun(ctx context.Context, reg *dispatch.Registry, r io.Reader, log logx.Logger) int {
	var p ExecPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		fmt.Fprintf(os.Stderr, "exec-task: bad payload: %v\n", err)
		return 2
	}
	h, ok := reg.Lookup(p.Name)
	if !ok {
		fmt.Fprintf(os.Stderr, "exec-task: no handler for %q\n", p.Name)
		return 2
	}
	log.Debug("task body starting", logx.String("task", p.ID), logx.String("name", p.Name))

	err := runSafely(ctx, h, p.Args)
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return ExitCanceled
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
