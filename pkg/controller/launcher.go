package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ventisec/ventiscan/pkg/types"
)

// Invocation is a fully-expanded worker command line.
type Invocation struct {
	Program string
	Args    []string
	Env     []string
	Dir     string // output directory, also the working directory
	Limits  types.ResourceLimits
}

// ExitResult is how a worker process ended.
type ExitResult struct {
	Code   int
	Err    error  // start/wait failure, nil for a normal exit of any code
	Stderr string // tail of the worker's stderr
}

// Handle controls one running worker.
type Handle interface {
	// Wait blocks until the process exits.
	Wait() ExitResult

	// Terminate asks the process group to stop, escalating to SIGKILL
	// after the grace period.
	Terminate(grace time.Duration)
}

// Launcher spawns worker processes. The process implementation is the
// only place the service touches os/exec; tests substitute their own.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Handle, error)
}

// stderrTail keeps the last capBytes written, for error reporting.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.ToValidUTF8(t.buf, nil))
}

// ProcessLauncher runs workers as child processes in their own process
// group, so termination reaches any grandchildren the scanner forks.
type ProcessLauncher struct{}

type procHandle struct {
	cmd    *exec.Cmd
	tail   *stderrTail
	done   chan struct{}
	result ExitResult
}

// Launch starts the worker. Resource limits travel in the environment;
// the worker wrapper applies them before exec'ing the engine.
func (ProcessLauncher) Launch(ctx context.Context, inv Invocation) (Handle, error) {
	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(inv.Env,
		fmt.Sprintf("VENTISCAN_WORKER_MEMORY_BYTES=%d", inv.Limits.MemoryBytes),
		fmt.Sprintf("VENTISCAN_WORKER_CPU_CORES=%s", strconv.FormatFloat(inv.Limits.CPUCores, 'f', -1, 64)),
	)
	// Own process group so Terminate reaches forked grandchildren;
	// Pdeathsig so orphaned workers die with the service.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	tail := &stderrTail{cap: 4096}
	cmd.Stderr = tail
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %v: %w", inv.Program, err, types.ErrWorkerUnavailable)
	}

	h := &procHandle{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		res := ExitResult{Stderr: tail.String()}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.Code = exitErr.ExitCode()
			} else {
				res.Err = err
			}
		}
		h.result = res
		close(h.done)
	}()
	return h, nil
}

func (h *procHandle) Wait() ExitResult {
	<-h.done
	return h.result
}

func (h *procHandle) Terminate(grace time.Duration) {
	pgid := -h.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// expandTemplate substitutes invocation placeholders.
func expandTemplate(values map[string]string, args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range values {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}
