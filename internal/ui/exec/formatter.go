// Package exec renders executor results for the terminal.
package exec

import (
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/agent462/devherd/internal/executor"
	"github.com/agent462/devherd/internal/grouper"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	styleErr    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672")).Bold(true)
	styleDiffer = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF90")).Bold(true)
	styleSerial = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5FF"))
	styleAdd    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	styleDel    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672"))
	styleTask   = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Formatter formats grouped execution results for terminal display.
type Formatter struct {
	JSON       bool
	ErrorsOnly bool
	Color      bool
}

// NewFormatter creates a Formatter with the given options.
func NewFormatter(jsonOutput, errorsOnly, color bool) *Formatter {
	return &Formatter{
		JSON:       jsonOutput,
		ErrorsOnly: errorsOnly,
		Color:      color,
	}
}

// Format renders grouped results as a human-readable string.
func (f *Formatter) Format(grouped *grouper.GroupedResults) string {
	var b strings.Builder

	succeeded := 0
	nonZero := 0
	failed := len(grouped.Failed)
	timedOut := len(grouped.TimedOut)

	for _, g := range grouped.Groups {
		if g.ExitCode != 0 {
			nonZero += len(g.Serials)
		} else {
			succeeded += len(g.Serials)
		}
		if !f.ErrorsOnly || g.ExitCode != 0 {
			f.writeGroup(&b, &g, len(grouped.Groups))
			b.WriteString("\n")
		}
	}

	for _, r := range grouped.Failed {
		f.writeProblem(&b, r, "failed", "unknown error")
		b.WriteString("\n")
	}
	for _, r := range grouped.TimedOut {
		f.writeProblem(&b, r, "timed out", "timeout")
		b.WriteString("\n")
	}

	b.WriteString(f.summaryLine(succeeded, nonZero, failed, timedOut))
	b.WriteString("\n")
	return b.String()
}

// FormatTasks renders a multi-task run, one grouped section per task in the
// order tasks first appear in results.
func (f *Formatter) FormatTasks(results []*executor.Result) string {
	var order []string
	byTask := make(map[string][]*executor.Result)
	for _, r := range results {
		if _, ok := byTask[r.Task]; !ok {
			order = append(order, r.Task)
		}
		byTask[r.Task] = append(byTask[r.Task], r)
	}

	var b strings.Builder
	for i, task := range order {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f.render(styleTask, task))
		b.WriteString("\n")
		b.WriteString(f.Format(grouper.Group(byTask[task])))
	}
	return b.String()
}

type jsonResult struct {
	RunID    string `json:"run_id"`
	Task     string `json:"task,omitempty"`
	Serial   string `json:"serial"`
	Command  string `json:"command,omitempty"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// FormatJSON serializes results as a JSON array.
func (f *Formatter) FormatJSON(results []*executor.Result) ([]byte, error) {
	out := make([]jsonResult, len(results))
	for i, r := range results {
		out[i] = jsonResult{
			RunID:    r.RunID,
			Task:     r.Task,
			Serial:   r.Serial,
			Command:  r.Command,
			Stdout:   string(r.Stdout),
			Stderr:   string(r.Stderr),
			ExitCode: r.ExitCode,
			TimedOut: r.TimedOut,
			Duration: r.Duration.String(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

func (f *Formatter) writeGroup(b *strings.Builder, g *grouper.OutputGroup, totalGroups int) {
	n := len(g.Serials)
	noun := plural(n, "device", "devices")

	switch {
	case g.ExitCode != 0:
		b.WriteString(f.render(styleErr, fmt.Sprintf(" %d %s exited with code %d:", n, noun, g.ExitCode)))
	case g.IsNorm && totalGroups == 1 && n == 1:
		b.WriteString(f.render(styleOK, fmt.Sprintf(" %d %s:", n, noun)))
	case g.IsNorm:
		b.WriteString(f.render(styleOK, fmt.Sprintf(" %d %s identical:", n, noun)))
	default:
		b.WriteString(f.render(styleDiffer, fmt.Sprintf(" %d %s %s:", n, noun, plural(n, "differs", "differ"))))
	}
	b.WriteString("\n")

	b.WriteString("   ")
	b.WriteString(f.render(styleSerial, strings.Join(g.Serials, ", ")))
	b.WriteString("\n")

	writeIndented(b, string(g.Stdout), func(line string) string { return line })
	writeIndented(b, string(g.Stderr), func(line string) string {
		return f.render(styleErr, "stderr: "+line)
	})

	if !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		f.writeDiff(b, g.Diff)
	}
}

func (f *Formatter) writeDiff(b *strings.Builder, diff string) {
	writeIndented(b, diff, func(line string) string {
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			return f.render(styleSerial, line)
		case strings.HasPrefix(line, "+"):
			return f.render(styleAdd, line)
		case strings.HasPrefix(line, "-"):
			return f.render(styleDel, line)
		default:
			return line
		}
	})
}

func (f *Formatter) writeProblem(b *strings.Builder, r *executor.Result, what, fallback string) {
	b.WriteString(f.render(styleErr, " 1 device "+what+":"))
	b.WriteString("\n")

	msg := fallback
	if r.Err != nil {
		msg = r.Err.Error()
	}
	b.WriteString("   ")
	b.WriteString(f.render(styleSerial, r.Serial))
	fmt.Fprintf(b, " (%s)\n", msg)
}

func (f *Formatter) summaryLine(succeeded, nonZero, failed, timedOut int) string {
	parts := []string{fmt.Sprintf("%d succeeded", succeeded)}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", timedOut))
	}
	return strings.Join(parts, ", ")
}

func (f *Formatter) render(s lipgloss.Style, text string) string {
	if !f.Color {
		return text
	}
	return s.Render(text)
}

func writeIndented(b *strings.Builder, text string, style func(string) string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("   ")
		b.WriteString(style(line))
		b.WriteString("\n")
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
