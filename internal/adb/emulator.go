package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// ErrPortsExhausted is returned when the allocator has no ports left.
var ErrPortsExhausted = errors.New("emulator port range exhausted")

// PortAllocator hands out emulator console ports from a fixed range in
// increasing order. Each emulator uses an even console port and the odd port
// after it for adb, so ports advance in steps of two.
type PortAllocator struct {
	mu   sync.Mutex
	next int
	end  int
}

// NewPortAllocator creates an allocator over [start, end]. start must be even.
func NewPortAllocator(start, end int) (*PortAllocator, error) {
	if start%2 != 0 {
		return nil, fmt.Errorf("emulator start port %d must be even", start)
	}
	if end < start {
		return nil, fmt.Errorf("emulator port range %d-%d is empty", start, end)
	}
	return &PortAllocator{next: start, end: end}, nil
}

// Next returns the next free console port.
func (a *PortAllocator) Next() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next > a.end {
		return 0, ErrPortsExhausted
	}
	port := a.next
	a.next += 2
	return port, nil
}

// EmulatorSerial returns the adb serial of the emulator on console port.
func EmulatorSerial(port int) string {
	return "emulator-" + strconv.Itoa(port)
}

// Launcher starts emulator processes on allocated ports.
type Launcher struct {
	path   string
	args   []string
	ports  *PortAllocator
	bridge *Bridge
	log    zerolog.Logger
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithEmulatorPath sets the emulator executable (default "emulator").
func WithEmulatorPath(p string) LauncherOption {
	return func(l *Launcher) {
		if p != "" {
			l.path = p
		}
	}
}

// WithEmulatorArgs sets extra arguments passed after -avd and -port.
func WithEmulatorArgs(args ...string) LauncherOption {
	return func(l *Launcher) {
		l.args = append([]string(nil), args...)
	}
}

// NewLauncher creates a Launcher. Killing launched emulators goes through
// bridge.
func NewLauncher(bridge *Bridge, ports *PortAllocator, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		path:   "emulator",
		ports:  ports,
		bridge: bridge,
		log:    bridge.log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emulator is a running emulator process.
type Emulator struct {
	Port   int
	Serial string

	bridge *Bridge
	lines  chan string
	done   chan struct{}
	err    error
}

// Start launches avd on the next free port. The emulator outlives ctx; stop
// it with Kill.
func (l *Launcher) Start(ctx context.Context, avd string) (*Emulator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := l.ports.Next()
	if err != nil {
		return nil, err
	}

	args := append([]string{"-avd", avd, "-port", strconv.Itoa(port)}, l.args...)
	cmd := exec.Command(l.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("emulator stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("emulator stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start emulator %s: %w", avd, err)
	}

	e := &Emulator{
		Port:   port,
		Serial: EmulatorSerial(port),
		bridge: l.bridge,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
	}
	log := l.log.With().Str("serial", e.Serial).Str("avd", avd).Logger()
	log.Info().Int("pid", cmd.Process.Pid).Msg("emulator started")

	var readers sync.WaitGroup
	readers.Add(2)
	go e.scan(stdout, &readers, log)
	go e.scan(stderr, &readers, log)
	go func() {
		readers.Wait()
		close(e.lines)
		e.err = cmd.Wait()
		log.Info().Err(e.err).Msg("emulator exited")
		close(e.done)
	}()
	return e, nil
}

// scan forwards log lines. Lines are dropped rather than blocking the
// emulator when nobody is reading.
func (e *Emulator) scan(r io.Reader, wg *sync.WaitGroup, log zerolog.Logger) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case e.lines <- scanner.Text():
		default:
			log.Trace().Str("line", scanner.Text()).Msg("emulator log line dropped")
		}
	}
}

// Lines streams the emulator's combined log output. It is closed when the
// process closes its output.
func (e *Emulator) Lines() <-chan string {
	return e.lines
}

// Done is closed once the emulator process has exited.
func (e *Emulator) Done() <-chan struct{} {
	return e.done
}

// Err returns the process exit error. Only valid after Done is closed.
func (e *Emulator) Err() error {
	return e.err
}

// Device returns a handle for the emulator.
func (e *Emulator) Device(opts ...DeviceOption) *Device {
	return NewDevice(e.Serial, e.bridge, opts...)
}

// Kill asks the emulator to shut down through its console and waits for the
// process to exit.
func (e *Emulator) Kill(ctx context.Context) error {
	res, err := e.bridge.Run(ctx, e.Serial, "emu", "kill")
	if err != nil {
		return err
	}
	if err := CheckSuccess(e.Serial, res); err != nil {
		return err
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
