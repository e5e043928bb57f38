package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/executor"
	"github.com/agent462/devherd/internal/process"
)

func newWaitCmd(opts *options) *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until devices are reachable and booted",
		Long: `Wait until each selected device answers on the bridge and reports
sys.boot_completed=1. The wait is bounded by --timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.broadcast(cmd.Context(), target.serial, target.all, "wait", waitBooted,
				executor.WithTimeout(a.cfg.Defaults.Timeout.Duration))
		},
	}
	target.register(cmd)
	return cmd
}

func waitBooted(ctx context.Context, dev *adb.Device) (*process.Result, error) {
	if err := dev.WaitReachable(ctx); err != nil {
		return nil, err
	}
	return nil, dev.PollBootCompleted(ctx)
}
