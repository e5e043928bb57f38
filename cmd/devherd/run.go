package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/config"
	"github.com/agent462/devherd/internal/executor"
	"github.com/agent462/devherd/internal/grouper"
	"github.com/agent462/devherd/internal/pool"
	"github.com/agent462/devherd/internal/process"
	"github.com/agent462/devherd/internal/ui/dashboard"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		target targetFlags
		tui    bool
	)
	cmd := &cobra.Command{
		Use:   "run suite",
		Short: "Run a test suite over the device pool",
		Long: `Run a suite from the config file. Every selected device first installs the
suite's packages and runs its setup commands. The suite's tasks are then
queued on the device pool: each task runs on the next free device.

Without -s every connected device joins the pool.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			suite, err := a.cfg.Suite(args[0])
			if err != nil {
				return err
			}
			if tui && !isTerminal(a.out) {
				return errors.New("--tui needs a terminal")
			}
			return a.runSuite(cmd.Context(), args[0], suite, target.serial, tui)
		},
	}
	target.register(cmd)
	cmd.Flags().BoolVar(&tui, "tui", false, "show a live dashboard while tasks run")
	return cmd
}

func (a *app) runSuite(ctx context.Context, name string, suite config.Suite, sel string, tui bool) error {
	serials, err := a.selectDevices(ctx, sel, sel == "")
	if err != nil {
		return err
	}
	p, err := a.newPool(serials)
	if err != nil {
		return err
	}

	prepared, err := a.newExecutor(p).Broadcast(ctx, "prepare", a.prepare(suite))
	if err != nil {
		return err
	}
	if err := resultsError(prepared); err != nil {
		fmt.Fprintln(a.errOut, "preparing devices failed:")
		fmt.Fprint(a.errOut, a.formatter().Format(grouper.Group(prepared)))
		return err
	}
	a.log.Info().Str("suite", name).Int("devices", len(serials)).Msg("devices prepared")

	tasks := suiteTasks(suite)
	var results []*executor.Result
	if tui {
		results, err = a.runDashboard(ctx, "devherd run "+name, p, tasks)
		if err != nil {
			return err
		}
	} else {
		results = a.newExecutor(p).Run(ctx, tasks)
	}

	if a.json {
		data, err := a.formatter().FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(data))
	} else {
		fmt.Fprint(a.out, a.formatter().FormatTasks(results))
	}
	return resultsError(results)
}

// prepare returns the per-device setup step of suite, stopping at the first
// failure.
func (a *app) prepare(suite config.Suite) executor.Func {
	return func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
		if suite.Root {
			if err := dev.ElevatePrivileges(ctx); err != nil {
				return nil, err
			}
		}
		for _, p := range suite.Push {
			res, err := dev.TransferIn(ctx, a.cfg.ResolvePath(p.Local), p.Remote)
			if err != nil {
				return nil, err
			}
			if err := adb.CheckSuccess(dev.Serial(), res); err != nil {
				return res, err
			}
			if p.Mode == "" {
				continue
			}
			if res, err = dev.ChangePermissions(ctx, p.Mode, p.Remote); err != nil {
				return nil, err
			}
			if err := adb.CheckSuccess(dev.Serial(), res); err != nil {
				return res, err
			}
		}
		for _, apk := range suite.Install {
			if err := dev.InstallPackage(ctx, a.cfg.ResolvePath(apk)); err != nil {
				return nil, err
			}
		}
		for _, name := range slices.Sorted(maps.Keys(suite.Properties)) {
			if err := dev.SetProperty(ctx, name, suite.Properties[name]); err != nil {
				return nil, err
			}
		}
		for _, pkg := range suite.Stop {
			if err := dev.ForceStopPackage(ctx, pkg); err != nil {
				return nil, err
			}
		}
		if suite.KillBackground {
			if err := dev.KillBackgroundProcesses(ctx); err != nil {
				return nil, err
			}
		}
		for _, setup := range suite.Setup {
			res, err := dev.Shell(ctx, setup)
			if err != nil {
				return nil, err
			}
			if err := adb.CheckSuccess(dev.Serial(), res); err != nil {
				return res, err
			}
		}
		for _, l := range suite.Launch {
			intent := adb.Intent{Action: l.Action, Package: l.Package, Component: l.Component, DataURI: l.Data}
			if err := dev.StartComponent(ctx, intent); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
}

func suiteTasks(suite config.Suite) []executor.Task {
	tasks := make([]executor.Task, len(suite.Tasks))
	for i, t := range suite.Tasks {
		tasks[i] = executor.ShellTask(t.Name, t.Shell, t.Timeout.Duration)
	}
	return tasks
}

// runDashboard runs tasks while the dashboard shows their progress.
// Quitting the dashboard cancels tasks that have not finished.
func (a *app) runDashboard(ctx context.Context, title string, p *pool.Pool[*adb.Device], tasks []executor.Task) ([]*executor.Result, error) {
	// Every task emits at most three events, so sends never block.
	events := make(chan executor.Event, 3*len(tasks))
	ex := a.newExecutor(p, executor.WithObserver(func(ev executor.Event) {
		events <- ev
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan []*executor.Result, 1)
	go func() {
		results := ex.Run(runCtx, tasks)
		close(events)
		done <- results
	}()

	model := dashboard.New(dashboard.Config{
		Title:  title,
		Events: events,
		Stats:  p.Stats,
	})
	_, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	cancel()
	results := <-done
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, tea.ErrInterrupted) {
		return results, fmt.Errorf("dashboard: %w", err)
	}
	return results, nil
}

func isTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
