package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/process"
)

func newPushCmd(opts *options) *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "push local remote",
		Short: "Copy a file to devices",
		Long: `Copy a local file to a path on one or more devices. A device that already
received the same local file at the same path is skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			local, remote := args[0], args[1]
			return a.broadcast(cmd.Context(), target.serial, target.all, "push "+remote,
				func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
					return dev.TransferIn(ctx, local, remote)
				})
		},
	}
	target.register(cmd)
	return cmd
}

func newPullCmd(opts *options) *cobra.Command {
	var serial string
	cmd := &cobra.Command{
		Use:   "pull remote local",
		Short: "Copy a file from a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			serials, err := a.selectDevices(cmd.Context(), serial, false)
			if err != nil {
				return err
			}
			if len(serials) != 1 {
				return errors.New("pull needs exactly one device")
			}
			return a.broadcast(cmd.Context(), serials[0], false, "pull "+args[0],
				func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
					return dev.TransferOut(ctx, args[0], args[1])
				})
		},
	}
	cmd.Flags().StringVarP(&serial, "serial", "s", "", "device serial")
	return cmd
}

func newInstallCmd(opts *options) *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "install apk",
		Short: "Install or reinstall a package on devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.broadcast(cmd.Context(), target.serial, target.all, "install "+args[0],
				func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
					return nil, dev.InstallPackage(ctx, args[0])
				})
		},
	}
	target.register(cmd)
	return cmd
}
