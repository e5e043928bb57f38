package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/agent462/devherd/internal/process"
)

// Runner implements process.Runner by executing commands on a remote host.
// One connection is dialed lazily and shared by every command; a stale
// connection is re-dialed once before the command is started.
type Runner struct {
	host      string
	conf      ClientConfig
	killGrace time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	client   *Client
	inflight chan dialResult
}

type dialResult struct {
	client *Client
	err    error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithKillGrace sets how long a timed-out command has to exit after SIGTERM
// before its session is closed.
func WithKillGrace(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = l
	}
}

// NewRunner creates a Runner for host.
func NewRunner(host string, conf ClientConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		host:      host,
		conf:      conf,
		killGrace: 5 * time.Second,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Host returns the remote host name.
func (r *Runner) Host() string {
	return r.host
}

// Run executes c on the remote host. The argument vector is shell-quoted,
// Stdin is written to the session and then closed, and a timeout sends
// SIGTERM and, after the kill grace, closes the session.
func (r *Runner) Run(ctx context.Context, c process.Command) (*process.Result, error) {
	rendered := c.String()
	if c.Path == "" {
		return nil, &process.StartError{Command: rendered, Err: errors.New("empty executable path")}
	}

	session, err := r.session(ctx)
	if err != nil && isReconnectable(err) {
		r.log.Debug().Err(err).Str("host", r.host).Msg("reconnecting to bridge host")
		r.evict()
		session, err = r.session(ctx)
	}
	if err != nil {
		return nil, &process.StartError{Command: rendered, Err: WrapConnectError(r.host, err)}
	}
	defer session.Close()

	var stdout, stderr process.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = strings.NewReader(c.Stdin)

	start := time.Now()
	if err := session.Start(rendered); err != nil {
		return nil, &process.StartError{Command: rendered, Err: err}
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		waitErr = r.terminate(session, done)
	}

	code, err := exitCode(waitErr)
	if err != nil && !timedOut {
		return nil, &process.StartError{Command: rendered, Err: err}
	}
	return &process.Result{
		Command:  rendered,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}, nil
}

// terminate signals the remote command and waits for it, closing the
// session if it outlives the kill grace.
func (r *Runner) terminate(session *ssh.Session, done <-chan error) error {
	_ = session.Signal(ssh.SIGTERM)
	t := time.NewTimer(r.killGrace)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		session.Close()
		return <-done
	}
}

func (r *Runner) session(ctx context.Context) (*ssh.Session, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	return client.SSHClient().NewSession()
}

// connect returns the cached client, dialing it if needed. Concurrent
// callers share a single in-flight dial.
func (r *Runner) connect(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	if r.client != nil {
		c := r.client
		r.mu.Unlock()
		return c, nil
	}
	if ch := r.inflight; ch != nil {
		r.mu.Unlock()
		select {
		case res := <-ch:
			ch <- res
			return res.client, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ch := make(chan dialResult, 1)
	r.inflight = ch
	r.mu.Unlock()

	client, err := Dial(ctx, r.host, r.conf)

	r.mu.Lock()
	r.inflight = nil
	if err == nil {
		r.client = client
		r.log.Debug().Str("host", r.host).Msg("connected to bridge host")
	}
	r.mu.Unlock()

	ch <- dialResult{client: client, err: err}
	return client, err
}

// Client returns the shared connection, dialing it if needed.
func (r *Runner) Client(ctx context.Context) (*Client, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, WrapConnectError(r.host, err)
	}
	return c, nil
}

func (r *Runner) evict() {
	r.mu.Lock()
	c := r.client
	r.client = nil
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close closes the shared connection.
func (r *Runner) Close() error {
	r.mu.Lock()
	c := r.client
	r.client = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// signalNumbers maps SSH signal names to POSIX numbers.
var signalNumbers = map[ssh.Signal]int{
	ssh.SIGHUP:  1,
	ssh.SIGINT:  2,
	ssh.SIGQUIT: 3,
	ssh.SIGILL:  4,
	ssh.SIGABRT: 6,
	ssh.SIGFPE:  8,
	ssh.SIGKILL: 9,
	ssh.SIGUSR1: 10,
	ssh.SIGSEGV: 11,
	ssh.SIGUSR2: 12,
	ssh.SIGPIPE: 13,
	ssh.SIGALRM: 14,
	ssh.SIGTERM: 15,
}

// exitCode maps a session wait error to an exit code. Signal deaths become
// the negated signal number. A session that ended without reporting a
// status yields -1.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			if n, ok := signalNumbers[ssh.Signal(sig)]; ok {
				return -n, nil
			}
			return -1, nil
		}
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, fmt.Errorf("wait for remote command: %w", err)
}

// isReconnectable reports whether err looks like a broken connection that a
// fresh dial might fix. Auth failures and context errors are permanent.
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

var _ process.Runner = (*Runner)(nil)
