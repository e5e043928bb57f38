package adb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agent462/devherd/internal/process"
)

func TestPortAllocator(t *testing.T) {
	a, err := NewPortAllocator(5554, 5558)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []int{5554, 5556, 5558} {
		got, err := a.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("Next = %d, want %d", got, want)
		}
	}
	if _, err := a.Next(); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("error = %v, want ErrPortsExhausted", err)
	}
}

func TestNewPortAllocator_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"odd start", 5555, 5584},
		{"empty range", 5556, 5554},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPortAllocator(tt.start, tt.end); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEmulatorSerial(t *testing.T) {
	if got := EmulatorSerial(5560); got != "emulator-5560" {
		t.Errorf("EmulatorSerial = %q", got)
	}
}

// writeFakeEmulator writes an emulator stand-in that echoes its arguments
// and then runs body.
func writeFakeEmulator(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "emulator")
	script := "#!/bin/sh\necho \"args: $*\"\necho \"warning: fake\" >&2\n" + body + "\n"
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLauncher_StartStreamsOutput(t *testing.T) {
	path := writeFakeEmulator(t, "exit 0")
	ports, _ := NewPortAllocator(5554, 5584)
	l := NewLauncher(NewBridge(&fakeRunner{}), ports,
		WithEmulatorPath(path), WithEmulatorArgs("-no-window"))

	emu, err := l.Start(context.Background(), "pixel_7")
	if err != nil {
		t.Fatal(err)
	}
	if emu.Port != 5554 || emu.Serial != "emulator-5554" {
		t.Errorf("Port/Serial = %d/%q", emu.Port, emu.Serial)
	}

	var lines []string
	for line := range emu.Lines() {
		lines = append(lines, line)
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "args: -avd pixel_7 -port 5554 -no-window") {
		t.Errorf("missing argument echo in %q", joined)
	}
	if !strings.Contains(joined, "warning: fake") {
		t.Errorf("stderr not streamed: %q", joined)
	}

	select {
	case <-emu.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("emulator did not exit")
	}
	if emu.Err() != nil {
		t.Errorf("Err = %v", emu.Err())
	}
	if got := emu.Device().Serial(); got != "emulator-5554" {
		t.Errorf("Device serial = %q", got)
	}

	next, _ := l.Start(context.Background(), "pixel_7")
	if next.Port != 5556 {
		t.Errorf("second emulator port = %d, want 5556", next.Port)
	}
	<-next.Done()
}

func TestLauncher_Kill(t *testing.T) {
	stop := filepath.Join(t.TempDir(), "stop")
	path := writeFakeEmulator(t, "while [ ! -f '"+stop+"' ]; do sleep 0.05; done")

	fr := &fakeRunner{handler: func(cmd process.Command) (*process.Result, error) {
		if argLine(cmd) == "-s emulator-5554 emu kill" {
			if err := os.WriteFile(stop, nil, 0o644); err != nil {
				return nil, err
			}
		}
		return &process.Result{}, nil
	}}
	ports, _ := NewPortAllocator(5554, 5554)
	l := NewLauncher(NewBridge(fr), ports, WithEmulatorPath(path))

	emu, err := l.Start(context.Background(), "avd")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emu.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-emu.Done():
	default:
		t.Error("Kill returned before the process exited")
	}

	if _, err := l.Start(context.Background(), "avd"); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("error = %v, want ErrPortsExhausted", err)
	}
}

func TestLauncher_StartFailure(t *testing.T) {
	ports, _ := NewPortAllocator(5554, 5584)
	l := NewLauncher(NewBridge(&fakeRunner{}), ports,
		WithEmulatorPath(filepath.Join(t.TempDir(), "missing")))
	if _, err := l.Start(context.Background(), "avd"); err == nil {
		t.Error("expected start error")
	}
}
