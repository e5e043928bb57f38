package dashboard

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// outputPane shows the output of the selected task.
type outputPane struct {
	viewport viewport.Model
	width    int
	height   int
}

func newOutputPane(width, height int) outputPane {
	return outputPane{
		viewport: viewport.New(
			viewport.WithWidth(width-2),
			viewport.WithHeight(height-2),
		),
		width:  width - 2,
		height: height,
	}
}

func (o *outputPane) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	o.viewport, cmd = o.viewport.Update(msg)
	return cmd
}

func (o *outputPane) View() string {
	if o.width > 0 {
		return lipgloss.NewStyle().MaxWidth(o.width).Render(o.viewport.View())
	}
	return o.viewport.View()
}

func (o *outputPane) Resize(width, height int) {
	o.width = width - 2
	o.height = height
	o.viewport.SetWidth(o.width)
	o.viewport.SetHeight(height - 2)
}

// Show renders e into the viewport.
func (o *outputPane) Show(e *taskEntry) {
	o.viewport.SetContent(renderEntry(e))
	o.viewport.GotoTop()
}

func renderEntry(e *taskEntry) string {
	if e == nil {
		return "No tasks yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s\n", e.Task, orDash(e.Serial))
	r := e.Result
	if r == nil {
		fmt.Fprintf(&b, "%s...\n", e.State)
		return b.String()
	}
	if r.Command != "" {
		fmt.Fprintf(&b, "$ %s\n", r.Command)
	}
	b.WriteString("\n")
	if len(r.Stdout) > 0 {
		b.WriteString(strings.TrimRight(string(r.Stdout), "\n"))
		b.WriteString("\n")
	}
	for _, line := range strings.Split(strings.TrimRight(string(r.Stderr), "\n"), "\n") {
		if line != "" {
			b.WriteString(stderrStyle.Render(line))
			b.WriteString("\n")
		}
	}
	if r.Err != nil {
		b.WriteString(statusBad.Render("error: " + r.Err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
