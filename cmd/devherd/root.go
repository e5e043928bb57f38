package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options holds the global flags.
type options struct {
	configPath string
	timeout    time.Duration
	json       bool
	noColor    bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "devherd",
		Short: "Run commands and test suites across a pool of Android devices",
		Long: `devherd drives every connected Android device through adb.

Shell commands report the device-side exit status, not adb's. Suites install
packages, run setup commands, then spread their tasks over the device pool,
one task per device at a time.

adb runs locally, or on the SSH host named by bridge.host in the config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/devherd/config.yaml)")
	pf.DurationVar(&opts.timeout, "timeout", 0, "per-command timeout (0 keeps the configured default)")
	pf.BoolVar(&opts.json, "json", false, "print results as JSON")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable coloured output")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")

	root.AddCommand(
		newDevicesCmd(opts),
		newShellCmd(opts),
		newPushCmd(opts),
		newPullCmd(opts),
		newInstallCmd(opts),
		newWaitCmd(opts),
		newRunCmd(opts),
		newEmulatorCmd(opts),
	)
	return root
}

// exitError carries a process exit status out of a command without printing
// anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// execute runs the CLI with args and returns the process exit status.
func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	return exitCode(root.ExecuteContext(ctx), os.Stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// shellStatus maps a resolved exit code to a process exit status. Signal
// deaths, reported as negative numbers, become 128+signal like in a shell.
func shellStatus(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}
