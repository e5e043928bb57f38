package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/config"
	"github.com/agent462/devherd/internal/executor"
	"github.com/agent462/devherd/internal/grouper"
	"github.com/agent462/devherd/internal/logging"
	"github.com/agent462/devherd/internal/pool"
	"github.com/agent462/devherd/internal/process"
	"github.com/agent462/devherd/internal/selector"
	"github.com/agent462/devherd/internal/ssh"
	uiexec "github.com/agent462/devherd/internal/ui/exec"
)

// app is the per-invocation wiring: config, logger, runner and bridge.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	bridge *adb.Bridge
	out    io.Writer
	errOut io.Writer
	json   bool
	color  bool
	close  func() error
}

func newApp(cmd *cobra.Command, opts *options) (*app, error) {
	log, err := newLogger(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.timeout > 0 {
		cfg.Defaults.Timeout = config.Duration{Duration: opts.timeout}
	}

	runner, stager, closeRunner := newRunner(cfg, log)
	bridgeOpts := []adb.BridgeOption{
		adb.WithPath(cfg.Bridge.Path),
		adb.WithDefaultTimeout(cfg.Defaults.Timeout.Duration),
		adb.WithLogger(log),
	}
	if stager != nil {
		bridgeOpts = append(bridgeOpts, adb.WithStager(stager))
	}

	return &app{
		cfg:    cfg,
		log:    log,
		bridge: adb.NewBridge(runner, bridgeOpts...),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		json:   opts.json || cfg.Defaults.Output == "json",
		color:  colorEnabled(opts.noColor, cmd.OutOrStdout()),
		close:  closeRunner,
	}, nil
}

func (a *app) Close() {
	if err := a.close(); err != nil {
		a.log.Debug().Err(err).Msg("close runner")
	}
}

func newLogger(opts *options, w io.Writer) (zerolog.Logger, error) {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	cfg.ApplyEnv()
	if opts.logLevel != "" {
		lvl, ok := logging.ParseLevel(opts.logLevel)
		if !ok {
			return zerolog.Nop(), fmt.Errorf("invalid --log-level %q", opts.logLevel)
		}
		cfg.Level = lvl
	}
	if opts.noColor {
		cfg.NoColor = true
	}
	return logging.New(w, cfg), nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// newRunner returns the runner adb is executed through: a local process
// runner, or an SSH runner plus SFTP stager when bridge.host is set.
func newRunner(cfg *config.Config, log zerolog.Logger) (process.Runner, *ssh.Stager, func() error) {
	d := cfg.Defaults
	if !cfg.Bridge.Remote() {
		r := process.NewLocalRunner(
			process.WithWaitDelay(d.WaitDelay.Duration),
			process.WithKillGrace(d.KillGrace.Duration),
		)
		return r, nil, func() error { return nil }
	}

	host := cfg.Bridge.ResolveHost()
	conf := ssh.ClientConfig{
		User:               host.User,
		Port:               host.Port,
		AcceptUnknownHosts: host.Insecure,
	}
	if host.IdentityFile != "" {
		conf.IdentityFiles = []string{host.IdentityFile}
	}
	r := ssh.NewRunner(host.Hostname, conf,
		ssh.WithKillGrace(d.KillGrace.Duration),
		ssh.WithLogger(log.With().Str("bridge_host", host.Name).Logger()),
	)
	return r, ssh.NewStager(r, cfg.Bridge.StageDir), func() error {
		defer ssh.CloseAgent()
		return r.Close()
	}
}

// colorEnabled reports whether w is a terminal that should get colour.
func colorEnabled(noColor bool, w io.Writer) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isTerminal(w)
}

func (a *app) deviceOptions() []adb.DeviceOption {
	return []adb.DeviceOption{
		adb.WithPollInterval(a.cfg.Defaults.BootPollInterval.Duration),
		adb.WithSettleDelay(a.cfg.Defaults.RootSettleDelay.Duration),
	}
}

// discover lists connected devices, filtered by the configured include and
// exclude patterns.
func (a *app) discover(ctx context.Context) ([]string, error) {
	serials, err := a.bridge.Devices(ctx)
	if err != nil {
		return nil, err
	}
	return selector.Filter(serials, a.cfg.Devices.Include, a.cfg.Devices.Exclude)
}

// selectDevices resolves the -s/--all flags against the discovered devices.
// Without either flag exactly one device must be connected.
func (a *app) selectDevices(ctx context.Context, sel string, all bool) ([]string, error) {
	if sel != "" && all {
		return nil, errors.New("-s and --all are mutually exclusive")
	}
	serials, err := a.discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(serials) == 0 {
		return nil, errors.New("no devices connected")
	}
	if sel == "" && !all {
		if len(serials) > 1 {
			return nil, fmt.Errorf("%d devices connected; pick one with -s or use --all", len(serials))
		}
		return serials, nil
	}
	return selector.Resolve(sel, serials)
}

func (a *app) newPool(serials []string) (*pool.Pool[*adb.Device], error) {
	devices := make([]*adb.Device, len(serials))
	for i, s := range serials {
		devices[i] = adb.NewDevice(s, a.bridge, a.deviceOptions()...)
	}
	return pool.New(devices, pool.WithLogger(a.log))
}

func (a *app) newExecutor(p *pool.Pool[*adb.Device], opts ...executor.Option) *executor.Executor {
	base := []executor.Option{
		executor.WithConcurrency(a.cfg.Defaults.Concurrency),
		executor.WithLogger(a.log),
	}
	return executor.New(p, append(base, opts...)...)
}

// broadcast runs fn once on every selected device and reports the results.
func (a *app) broadcast(ctx context.Context, sel string, all bool, name string, fn executor.Func, opts ...executor.Option) error {
	serials, err := a.selectDevices(ctx, sel, all)
	if err != nil {
		return err
	}
	p, err := a.newPool(serials)
	if err != nil {
		return err
	}
	results, err := a.newExecutor(p, opts...).Broadcast(ctx, name, fn)
	if err != nil {
		return err
	}
	return a.report(results)
}

func (a *app) formatter() *uiexec.Formatter {
	return uiexec.NewFormatter(a.json, false, a.color)
}

// report prints results and returns an exitError when any of them failed.
// A single result is printed raw, several are grouped by identical output.
func (a *app) report(results []*executor.Result) error {
	switch {
	case a.json:
		data, err := a.formatter().FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, string(data))
	case len(results) == 1:
		a.printRaw(results[0])
	default:
		fmt.Fprint(a.out, a.formatter().Format(grouper.Group(results)))
	}
	return resultsError(results)
}

func (a *app) printRaw(r *executor.Result) {
	fmt.Fprint(a.out, string(r.Stdout))
	fmt.Fprint(a.errOut, string(r.Stderr))
	switch {
	case r.TimedOut:
		fmt.Fprintf(a.errOut, "%s: timed out after %s\n", r.Serial, r.Duration.Round(time.Millisecond))
	case r.Err != nil:
		fmt.Fprintf(a.errOut, "%s: %v\n", r.Serial, r.Err)
	}
}

// resultsError returns the first non-zero exit code among results as an
// exitError. Results that failed without one exit with status 1.
func resultsError(results []*executor.Result) error {
	failed := false
	for _, r := range results {
		if r.Err == nil && r.ExitCode != 0 {
			return &exitError{code: shellStatus(r.ExitCode)}
		}
		if !r.Success() {
			failed = true
		}
	}
	if failed {
		return &exitError{code: 1}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
