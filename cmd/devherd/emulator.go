package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/devherd/internal/adb"
)

// killTimeout bounds shutting emulators down after an interrupt.
const killTimeout = 30 * time.Second

func newEmulatorCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Manage Android emulators",
	}
	cmd.AddCommand(newEmulatorStartCmd(opts))
	return cmd
}

func newEmulatorStartCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "start avd",
		Short: "Launch emulators and keep them running until interrupted",
		Long: `Launch one or more emulators of an AVD on free console ports from the
configured range, wait until each has booted, and print their serials.
The emulators are shut down on Ctrl+C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.startEmulators(cmd.Context(), args[0], count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of emulators to launch")
	return cmd
}

func (a *app) startEmulators(ctx context.Context, avd string, count int) error {
	if a.cfg.Bridge.Remote() {
		return errors.New("emulators can only be launched with a local bridge (unset bridge.host)")
	}
	ec := a.cfg.Emulator
	ports, err := adb.NewPortAllocator(ec.PortStart, ec.PortEnd)
	if err != nil {
		return err
	}
	launcher := adb.NewLauncher(a.bridge, ports,
		adb.WithEmulatorPath(ec.Path),
		adb.WithEmulatorArgs(ec.Args...),
	)

	var emulators []*adb.Emulator
	defer func() {
		killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		for _, e := range emulators {
			if err := e.Kill(killCtx); err != nil {
				a.log.Error().Err(err).Str("serial", e.Serial).Msg("kill emulator")
			}
		}
	}()

	for range count {
		e, err := launcher.Start(ctx, avd)
		if err != nil {
			return err
		}
		emulators = append(emulators, e)
		go a.drainEmulatorLog(e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range emulators {
		g.Go(func() error {
			if err := a.waitEmulatorBoot(gctx, e); err != nil {
				return fmt.Errorf("%s: %w", e.Serial, err)
			}
			fmt.Fprintln(a.out, e.Serial)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintln(a.errOut, "emulators running; press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

// waitEmulatorBoot waits for e to boot, giving up early if it exits.
func (a *app) waitEmulatorBoot(ctx context.Context, e *adb.Emulator) error {
	bootCtx, cancel := context.WithTimeout(ctx, a.cfg.Defaults.Timeout.Duration)
	defer cancel()
	go func() {
		select {
		case <-e.Done():
			cancel()
		case <-bootCtx.Done():
		}
	}()

	_, err := waitBooted(bootCtx, e.Device(a.deviceOptions()...))
	select {
	case <-e.Done():
		return fmt.Errorf("emulator exited during boot: %v", e.Err())
	default:
		return err
	}
}

func (a *app) drainEmulatorLog(e *adb.Emulator) {
	log := a.log.With().Str("serial", e.Serial).Logger()
	for line := range e.Lines() {
		log.Debug().Str("line", line).Msg("emulator")
	}
}
