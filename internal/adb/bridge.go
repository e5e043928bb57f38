// Package adb drives Android devices through the adb bridge tool: it recovers
// real remote exit statuses, binds serials to device handles, discovers
// connected devices, and launches emulators.
package adb

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent462/devherd/internal/process"
)

// NoTimeout disables the bridge's default timeout for a single call.
const NoTimeout time.Duration = -1

// Stager moves files between this machine and the machine that runs the
// bridge tool, when they differ.
type Stager interface {
	// StageIn makes localPath available on the bridge host and returns the
	// path the bridge tool should read from.
	StageIn(ctx context.Context, localPath string) (string, error)
	// StageOut copies bridgePath from the bridge host to localPath.
	StageOut(ctx context.Context, bridgePath, localPath string) error
	// TempPath returns a scratch path on the bridge host for a file named name.
	TempPath(name string) string
}

// Request describes one invocation of the bridge tool.
type Request struct {
	Serial  string // empty for server-level commands such as "devices"
	Args    []string
	Stdin   string
	Timeout time.Duration // zero uses the bridge default; NoTimeout disables it
}

// Bridge invokes the adb executable through a process.Runner.
type Bridge struct {
	runner  process.Runner
	path    string
	timeout time.Duration
	stager  Stager
	log     zerolog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithPath sets the adb executable (default "adb").
func WithPath(p string) BridgeOption {
	return func(b *Bridge) {
		if p != "" {
			b.path = p
		}
	}
}

// WithDefaultTimeout sets the timeout applied to calls that do not set one.
func WithDefaultTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithStager routes file transfers through s.
func WithStager(s Stager) BridgeOption {
	return func(b *Bridge) {
		b.stager = s
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = l
	}
}

// NewBridge creates a Bridge that runs adb through runner.
func NewBridge(runner process.Runner, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		runner:  runner,
		path:    "adb",
		timeout: 5 * time.Minute,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run invokes adb with args against serial using the default timeout.
func (b *Bridge) Run(ctx context.Context, serial string, args ...string) (*process.Result, error) {
	return b.RunWith(ctx, Request{Serial: serial, Args: args})
}

// RunWith invokes adb as described by req. The transport exit code is
// reported as-is; use Shell for commands executed on the device.
func (b *Bridge) RunWith(ctx context.Context, req Request) (*process.Result, error) {
	args := req.Args
	if req.Serial != "" {
		args = append([]string{"-s", req.Serial}, req.Args...)
	}
	return b.runner.Run(ctx, process.Command{
		Path:    b.path,
		Args:    args,
		Stdin:   req.Stdin,
		Timeout: b.resolveTimeout(req.Timeout),
	})
}

func (b *Bridge) resolveTimeout(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return b.timeout
	default:
		return d
	}
}

// Shell runs a command on the device and resolves its real exit status.
// adb shell reports success even when the remote command fails, so the
// command is suffixed with an exit-status marker that is parsed back out of
// stdout. When the marker is missing (typically because the call timed out
// before the trailer ran), the transport exit code is kept and the full
// result is logged for debugging.
func (b *Bridge) Shell(ctx context.Context, serial string, timeout time.Duration, shellArgs ...string) (*process.Result, error) {
	command := strings.Join(shellArgs, " ") + "; echo " + exitMarker + " $?"
	res, err := b.RunWith(ctx, Request{
		Serial:  serial,
		Args:    []string{"shell", command},
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	stdout, code, ok := extractExitMarker(res.Stdout)
	if !ok {
		res.MarkerMissing = true
		b.log.Warn().
			Str("serial", serial).
			Str("command", res.Command).
			Str("stdout", string(res.Stdout)).
			Str("stderr", string(res.Stderr)).
			Int("exit_code", res.ExitCode).
			Bool("timed_out", res.TimedOut).
			Msg("exit marker missing, using transport exit code")
		return res, nil
	}
	res.Stdout = stdout
	res.ExitCode = translateSignal(code)
	return res, nil
}

// Push copies localPath to remotePath on the device, staging the file on the
// bridge host first when one is configured.
func (b *Bridge) Push(ctx context.Context, serial, localPath, remotePath string) (*process.Result, error) {
	src, err := b.stageIn(ctx, localPath)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx, serial, "push", src, remotePath)
}

// Pull copies remotePath from the device to localPath.
func (b *Bridge) Pull(ctx context.Context, serial, remotePath, localPath string) (*process.Result, error) {
	if b.stager == nil {
		return b.Run(ctx, serial, "pull", remotePath, localPath)
	}
	tmp := b.stager.TempPath(path.Base(remotePath))
	res, err := b.Run(ctx, serial, "pull", remotePath, tmp)
	if err != nil || res.ExitCode != 0 {
		return res, err
	}
	if err := b.stager.StageOut(ctx, tmp, localPath); err != nil {
		return res, fmt.Errorf("fetch %s from bridge host: %w", tmp, err)
	}
	return res, nil
}

// Install installs (or reinstalls) the package file at localPath.
func (b *Bridge) Install(ctx context.Context, serial, localPath string) (*process.Result, error) {
	src, err := b.stageIn(ctx, localPath)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx, serial, "install", "-r", src)
}

func (b *Bridge) stageIn(ctx context.Context, localPath string) (string, error) {
	if b.stager == nil {
		return localPath, nil
	}
	p, err := b.stager.StageIn(ctx, localPath)
	if err != nil {
		return "", fmt.Errorf("stage %s on bridge host: %w", localPath, err)
	}
	return p, nil
}
