package process

import (
	"fmt"
	"strings"
	"time"
)

// Result holds the outcome of a single external process invocation.
// It is produced for every invocation that managed to start, including ones
// that timed out; callers must check TimedOut since output may be partial.
type Result struct {
	Command  string // rendered argv, for diagnostics
	Stdout   []byte
	Stderr   []byte
	ExitCode int  // negative values are signal deaths: -9 means killed by SIGKILL
	TimedOut bool // the timeout (or context) terminated the process
	Duration time.Duration

	// MarkerMissing is set by the adb marker protocol when the exit-status
	// trailer could not be found and ExitCode is the raw transport code.
	MarkerMissing bool
}

// Success reports whether the process exited with status zero and was not
// cut short by a timeout.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// String renders the full diagnostic text: command, exit status, timeout flag,
// and both captured streams.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command: %s\n", r.Command)
	fmt.Fprintf(&b, "exit code: %d\n", r.ExitCode)
	fmt.Fprintf(&b, "timed out: %t\n", r.TimedOut)
	writeStream(&b, "stdout", r.Stdout)
	writeStream(&b, "stderr", r.Stderr)
	return strings.TrimRight(b.String(), "\n")
}

func writeStream(b *strings.Builder, name string, data []byte) {
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		fmt.Fprintf(b, "%s: <empty>\n", name)
		return
	}
	fmt.Fprintf(b, "%s:\n", name)
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// StartError reports that the process could not be spawned at all. It is the
// only failure for which no Result is produced.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
