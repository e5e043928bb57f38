package adb

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/agent462/devherd/internal/process"
)

// fakeRunner records invocations and answers them with a handler.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []process.Command
	handler func(cmd process.Command) (*process.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	if f.handler == nil {
		return &process.Result{Command: cmd.String()}, nil
	}
	res, err := f.handler(cmd)
	if res != nil && res.Command == "" {
		res.Command = cmd.String()
	}
	return res, err
}

func (f *fakeRunner) Calls() []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Command(nil), f.calls...)
}

// argLine joins a command's arguments for easy matching.
func argLine(cmd process.Command) string {
	return strings.Join(cmd.Args, " ")
}

// shellReply answers a marker-protocol shell call with stdout and a remote
// exit code.
func shellReply(stdout string, code int) *process.Result {
	return &process.Result{Stdout: []byte(stdout + exitMarker + " " + strconv.Itoa(code) + "\n")}
}
