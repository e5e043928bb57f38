// Package process runs external processes with optional input, a wall-clock
// timeout, and full capture of both output streams.
package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// Command describes one process invocation.
type Command struct {
	Path    string
	Args    []string
	Stdin   string        // written to the process input, which is then closed
	Timeout time.Duration // zero means no timeout beyond the caller's context
}

// String renders the command line for diagnostics.
func (c Command) String() string {
	return Join(append([]string{c.Path}, c.Args...)...)
}

// Runner executes a Command to completion. Implementations return a *Result
// for every process that started, and a *StartError otherwise.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Outcome states shared by the deadline and the exit wait. Exactly one of
// them claims the token, which decides Result.TimedOut.
const (
	stateRunning int32 = iota
	stateExited
	stateTerminated
)

// LocalRunner runs commands as child processes of the current process.
type LocalRunner struct {
	waitDelay time.Duration
	killGrace time.Duration
	env       []string
}

// Option configures a LocalRunner.
type Option func(*LocalRunner)

// WithWaitDelay bounds how long Run waits for output pipes to close after the
// process exits. Tools that fork daemons (adb start-server) keep the pipes
// open otherwise.
func WithWaitDelay(d time.Duration) Option {
	return func(r *LocalRunner) {
		if d > 0 {
			r.waitDelay = d
		}
	}
}

// WithKillGrace sets how long a timed-out process has to exit after SIGTERM
// before it is killed.
func WithKillGrace(d time.Duration) Option {
	return func(r *LocalRunner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *LocalRunner) {
		r.env = append(r.env, env...)
	}
}

// NewLocalRunner creates a LocalRunner with the given options.
func NewLocalRunner(opts ...Option) *LocalRunner {
	r := &LocalRunner{
		waitDelay: 5 * time.Second,
		killGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the process, feeds it cmd.Stdin, and waits for it to exit while
// both output streams are drained concurrently. When cmd.Timeout elapses or
// ctx is done first, the process receives SIGTERM (then SIGKILL after the
// kill grace) and the result is marked TimedOut; whatever output and status
// the process produced is still returned.
func (r *LocalRunner) Run(ctx context.Context, c Command) (*Result, error) {
	rendered := c.String()
	if c.Path == "" {
		return nil, &StartError{Command: rendered, Err: errors.New("empty executable path")}
	}

	cmd := exec.Command(c.Path, c.Args...)
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	cmd.WaitDelay = r.waitDelay

	var stdout, stderr Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartError{Command: rendered, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Command: rendered, Err: err}
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var state atomic.Int32
	exited := make(chan struct{})
	decided := make(chan struct{})
	stop := context.AfterFunc(runCtx, func() {
		defer close(decided)
		if !state.CompareAndSwap(stateRunning, stateTerminated) {
			return
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); errors.Is(err, os.ErrProcessDone) {
			// Reaped before the deadline claimed the token.
			state.Store(stateExited)
			return
		}
		go r.escalate(cmd.Process, exited)
	})

	if c.Stdin != "" {
		// Write errors mean the process exited or closed its input early;
		// its exit status is what matters.
		_, _ = io.WriteString(stdin, c.Stdin)
	}
	_ = stdin.Close()

	_ = cmd.Wait()
	close(exited)
	if !stop() {
		<-decided
	}
	state.CompareAndSwap(stateRunning, stateExited)

	return &Result{
		Command:  rendered,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitStatus(cmd.ProcessState),
		TimedOut: state.Load() == stateTerminated,
		Duration: time.Since(start),
	}, nil
}

func (r *LocalRunner) escalate(p *os.Process, exited <-chan struct{}) {
	t := time.NewTimer(r.killGrace)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		_ = p.Kill()
	}
}

// exitStatus maps a process state to an exit code. Signal deaths become the
// negated signal number, matching the translation applied to remote codes.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
