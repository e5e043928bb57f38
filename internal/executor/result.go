package executor

import (
	"time"

	"github.com/agent462/devherd/internal/process"
)

// Result holds the outcome of one task on one device.
type Result struct {
	RunID    string
	Task     string
	Serial   string
	Command  string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Err      error // start, acquisition and context errors
}

// Success reports whether the task ran to completion with exit code zero.
func (r *Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut
}

func (r *Result) fill(res *process.Result) {
	if res == nil {
		return
	}
	r.Command = res.Command
	r.Stdout = res.Stdout
	r.Stderr = res.Stderr
	r.ExitCode = res.ExitCode
	r.TimedOut = res.TimedOut
}

// EventKind identifies a task lifecycle step.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event reports task progress to an observer. Serial is empty until the task
// holds a device; Result is set only on EventFinished.
type Event struct {
	Kind   EventKind
	RunID  string
	Task   string
	Serial string
	Result *Result
}
