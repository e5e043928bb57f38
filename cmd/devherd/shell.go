package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/process"
)

// targetFlags are the device selection flags shared by most commands.
type targetFlags struct {
	serial string
	all    bool
}

func (t *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.serial, "serial", "s", "", "device serials or glob patterns, comma-separated")
	cmd.Flags().BoolVar(&t.all, "all", false, "use every connected device")
}

func newShellCmd(opts *options) *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "shell [-s serial|--all] -- command...",
		Short: "Run a shell command on devices",
		Long: `Run a shell command on one or more devices and report the command's own
exit status. Output from several devices is grouped: identical answers are
shown once, outliers with a diff against the majority.

The exit status of devherd is the first non-zero exit status among the
devices, or 128+n for a command killed by signal n.

Examples:
  devherd shell -- getprop ro.build.version.sdk
  devherd shell --all -- pm list packages com.example
  devherd shell -s 'emulator-*' -- 'ls /sdcard | wc -l'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			name := strings.Join(args, " ")
			return a.broadcast(cmd.Context(), target.serial, target.all, name,
				func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
					return dev.Shell(ctx, args...)
				})
		},
	}
	target.register(cmd)
	return cmd
}
