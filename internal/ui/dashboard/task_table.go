package dashboard

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/key"
	"charm.land/bubbles/v2/table"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/agent462/devherd/internal/executor"
)

// Row states.
const (
	stateQueued  = "queued"
	stateRunning = "running"
	stateOK      = "ok"
	stateExit    = "exit"
	stateTimeout = "timeout"
	stateFailed  = "failed"
)

// taskEntry tracks one task execution shown in the table.
type taskEntry struct {
	Task   string
	Serial string
	State  string
	Result *executor.Result
}

// taskTable wraps a bubbles/table with per-task state tracking.
type taskTable struct {
	table   table.Model
	entries []taskEntry
	width   int
	height  int
}

func newTaskTable(width, height int) taskTable {
	t := table.New(
		table.WithColumns(columns(width-2)),
		table.WithFocused(true),
		table.WithWidth(width-2),
		table.WithHeight(height-3),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorSubtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	km := table.DefaultKeyMap()
	km.PageDown = key.NewBinding(key.WithKeys("pgdown"))
	km.PageUp = key.NewBinding(key.WithKeys("pgup"))
	km.HalfPageDown = key.NewBinding(key.WithKeys("ctrl+d"))
	km.HalfPageUp = key.NewBinding(key.WithKeys("ctrl+u"))
	km.GotoTop = key.NewBinding(key.WithKeys("home", "g"))
	km.GotoBottom = key.NewBinding(key.WithKeys("end", "G"))
	t.KeyMap = km

	return taskTable{table: t, width: width - 2, height: height}
}

func (tt *taskTable) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	tt.table, cmd = tt.table.Update(msg)
	return cmd
}

func (tt *taskTable) View() string {
	return tt.table.View()
}

func (tt *taskTable) Resize(width, height int) {
	tt.width = width - 2
	tt.height = height
	tt.table.SetWidth(tt.width)
	tt.table.SetHeight(height - 3)
	tt.table.SetColumns(columns(tt.width))
}

// Selected returns the entry under the cursor, or nil.
func (tt *taskTable) Selected() *taskEntry {
	i := tt.table.Cursor()
	if i < 0 || i >= len(tt.entries) {
		return nil
	}
	return &tt.entries[i]
}

// Apply folds ev into the table.
func (tt *taskTable) Apply(ev executor.Event) {
	switch ev.Kind {
	case executor.EventQueued:
		tt.entries = append(tt.entries, taskEntry{Task: ev.Task, State: stateQueued})
	case executor.EventStarted:
		e := tt.find(ev.Task, "", stateQueued)
		if e == nil {
			tt.entries = append(tt.entries, taskEntry{Task: ev.Task})
			e = &tt.entries[len(tt.entries)-1]
		}
		e.Serial = ev.Serial
		e.State = stateRunning
	case executor.EventFinished:
		e := tt.find(ev.Task, ev.Serial, stateRunning)
		if e == nil {
			e = tt.find(ev.Task, "", stateQueued)
		}
		if e == nil {
			tt.entries = append(tt.entries, taskEntry{Task: ev.Task, Serial: ev.Serial})
			e = &tt.entries[len(tt.entries)-1]
		}
		e.Result = ev.Result
		e.State = resultState(ev.Result)
	}
	tt.table.SetRows(buildRows(tt.entries))
}

// find returns the first entry for task in state, matching serial when set.
func (tt *taskTable) find(task, serial, state string) *taskEntry {
	for i := range tt.entries {
		e := &tt.entries[i]
		if e.Task == task && e.State == state && (serial == "" || e.Serial == serial) {
			return e
		}
	}
	return nil
}

// Counts returns how many entries are in each state.
func (tt *taskTable) Counts() map[string]int {
	counts := make(map[string]int)
	for _, e := range tt.entries {
		counts[e.State]++
	}
	return counts
}

func resultState(r *executor.Result) string {
	switch {
	case r == nil:
		return stateFailed
	case r.TimedOut:
		return stateTimeout
	case r.Err != nil:
		return stateFailed
	case r.ExitCode != 0:
		return stateExit
	default:
		return stateOK
	}
}

func columns(width int) []table.Column {
	// 5 columns with one cell of padding either side.
	w := width - 10
	if w < 30 {
		w = 30
	}
	stateW, exitW, timeW := 8, 5, 7
	remaining := w - stateW - exitW - timeW
	taskW := remaining * 55 / 100
	serialW := remaining - taskW
	return []table.Column{
		{Title: "Task", Width: taskW},
		{Title: "Device", Width: serialW},
		{Title: "State", Width: stateW},
		{Title: "Exit", Width: exitW},
		{Title: "Time", Width: timeW},
	}
}

func buildRows(entries []taskEntry) []table.Row {
	rows := make([]table.Row, len(entries))
	for i, e := range entries {
		exit, dur := "", ""
		if e.Result != nil && e.Result.Err == nil {
			exit = fmt.Sprintf("%d", e.Result.ExitCode)
		}
		if e.Result != nil && e.Result.Duration > 0 {
			dur = formatDuration(e.Result.Duration)
		}
		rows[i] = table.Row{truncate(e.Task, 40), e.Serial, e.State, exit, dur}
	}
	return rows
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
