package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent462/devherd/internal/process"
)

const bootCompletedProp = "sys.boot_completed"

// Device binds a serial to the bridge. Every operation is one bridge
// invocation with the serial injected as the target selector.
type Device struct {
	serial       string
	bridge       *Bridge
	pollInterval time.Duration
	settleDelay  time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	pushed map[string]string // remote path -> last local path pushed there
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithPollInterval sets the boot-completion polling interval.
func WithPollInterval(d time.Duration) DeviceOption {
	return func(dev *Device) {
		if d > 0 {
			dev.pollInterval = d
		}
	}
}

// WithSettleDelay sets how long ElevatePrivileges waits for adbd to restart.
func WithSettleDelay(d time.Duration) DeviceOption {
	return func(dev *Device) {
		if d >= 0 {
			dev.settleDelay = d
		}
	}
}

// NewDevice creates a handle for serial.
func NewDevice(serial string, bridge *Bridge, opts ...DeviceOption) *Device {
	d := &Device{
		serial:       serial,
		bridge:       bridge,
		pollInterval: 2 * time.Second,
		settleDelay:  2 * time.Second,
		log:          bridge.log.With().Str("serial", serial).Logger(),
		pushed:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serial returns the device serial.
func (d *Device) Serial() string {
	return d.serial
}

func (d *Device) String() string {
	return d.serial
}

// Shell runs a command line on the device with the bridge default timeout.
// Arguments are joined with spaces and interpreted by the device shell.
func (d *Device) Shell(ctx context.Context, cmd ...string) (*process.Result, error) {
	return d.bridge.Shell(ctx, d.serial, 0, cmd...)
}

// ShellTimeout is Shell with an explicit timeout.
func (d *Device) ShellTimeout(ctx context.Context, timeout time.Duration, cmd ...string) (*process.Result, error) {
	return d.bridge.Shell(ctx, d.serial, timeout, cmd...)
}

// WaitReachable blocks until adb reports the device online.
func (d *Device) WaitReachable(ctx context.Context) error {
	res, err := d.bridge.RunWith(ctx, Request{
		Serial:  d.serial,
		Args:    []string{"wait-for-device"},
		Timeout: NoTimeout,
	})
	if err != nil {
		return err
	}
	return CheckSuccess(d.serial, res)
}

// GetProperty reads a system property.
func (d *Device) GetProperty(ctx context.Context, name string) (string, error) {
	res, err := d.bridge.Shell(ctx, d.serial, 0, "getprop", process.Quote(name))
	if err != nil {
		return "", err
	}
	if err := CheckSuccess(d.serial, res); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// PollBootCompleted queries sys.boot_completed at the poll interval until it
// reads "1". Failed queries count as "not booted yet". There is no attempt
// limit; only ctx ends the wait early.
func (d *Device) PollBootCompleted(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		value, err := d.GetProperty(ctx, bootCompletedProp)
		if err == nil && value == "1" {
			d.log.Debug().Int("attempts", attempt).Msg("boot completed")
			return nil
		}
		if err != nil {
			d.log.Debug().Err(err).Int("attempt", attempt).Msg("boot poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ElevatePrivileges restarts adbd as root. adbd offers no restart-complete
// signal, so it waits the settle delay before returning.
func (d *Device) ElevatePrivileges(ctx context.Context) error {
	res, err := d.bridge.Run(ctx, d.serial, "root")
	if err != nil {
		return err
	}
	if err := CheckSuccess(d.serial, res); err != nil {
		return err
	}

	t := time.NewTimer(d.settleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TransferIn pushes localPath to remotePath. When the previous push to
// remotePath came from the same localPath, the transfer is skipped and a
// synthetic success result is returned. The cache only records successful
// pushes.
func (d *Device) TransferIn(ctx context.Context, localPath, remotePath string) (*process.Result, error) {
	if prev, ok := d.Pushed(remotePath); ok && prev == localPath {
		return &process.Result{
			Command: fmt.Sprintf("skipped: push %s %s (already pushed)", localPath, remotePath),
		}, nil
	}

	res, err := d.bridge.Push(ctx, d.serial, localPath, remotePath)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		d.mu.Lock()
		d.pushed[remotePath] = localPath
		d.mu.Unlock()
	}
	return res, nil
}

// Pushed returns the local path most recently pushed to remotePath.
func (d *Device) Pushed(remotePath string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pushed[remotePath]
	return p, ok
}

// TransferOut pulls remotePath to localPath.
func (d *Device) TransferOut(ctx context.Context, remotePath, localPath string) (*process.Result, error) {
	return d.bridge.Pull(ctx, d.serial, remotePath, localPath)
}

// ChangePermissions runs chmod -R mode path on the device.
func (d *Device) ChangePermissions(ctx context.Context, mode, path string) (*process.Result, error) {
	return d.bridge.Shell(ctx, d.serial, 0, process.Join("chmod", "-R", mode, path))
}

// InstallPackage installs the package file at path, replacing any existing
// installation.
func (d *Device) InstallPackage(ctx context.Context, path string) error {
	res, err := d.bridge.Install(ctx, d.serial, path)
	if err != nil {
		return err
	}
	return CheckSuccess(d.serial, res)
}

// StartComponent starts the activity named by intent.
func (d *Device) StartComponent(ctx context.Context, intent Intent) error {
	return d.check(ctx, intent.Args()...)
}

// ForceStopPackage stops every process of the named package.
func (d *Device) ForceStopPackage(ctx context.Context, name string) error {
	return d.check(ctx, "am", "force-stop", name)
}

// SetProperty sets a system property.
func (d *Device) SetProperty(ctx context.Context, name, value string) error {
	return d.check(ctx, "setprop", name, value)
}

// KillBackgroundProcesses kills all background processes.
func (d *Device) KillBackgroundProcesses(ctx context.Context) error {
	return d.check(ctx, "am", "kill-all")
}

// check runs argv as a quoted shell command and fails on a nonzero
// resolved exit code.
func (d *Device) check(ctx context.Context, argv ...string) error {
	res, err := d.bridge.Shell(ctx, d.serial, 0, process.Join(argv...))
	if err != nil {
		return err
	}
	return CheckSuccess(d.serial, res)
}
