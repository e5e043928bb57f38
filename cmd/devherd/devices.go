package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected devices",
		Long: `List the serials of connected devices in the "device" state, after the
include and exclude patterns from the config file are applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			serials, err := a.discover(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				if serials == nil {
					serials = []string{}
				}
				return printJSON(a.out, serials)
			}
			for _, s := range serials {
				fmt.Fprintln(a.out, s)
			}
			return nil
		},
	}
}
