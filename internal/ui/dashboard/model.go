// Package dashboard is a live terminal view of a run: one row per task,
// the selected task's output, and pool occupancy.
package dashboard

import (
	"time"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/agent462/devherd/internal/executor"
	"github.com/agent462/devherd/internal/pool"
)

// pane identifies which sub-model has focus.
type pane int

const (
	paneTasks pane = iota
	paneOutput
)

// Config holds the parameters needed to create a dashboard Model.
type Config struct {
	Title         string
	Events        <-chan executor.Event // closed when the run is over
	Stats         func() pool.Stats
	StatsInterval time.Duration
}

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	title         string
	events        <-chan executor.Event
	stats         func() pool.Stats
	statsInterval time.Duration

	tasks  taskTable
	output outputPane

	focused   pane
	poolStats pool.Stats
	done      bool

	width  int
	height int
}

// New creates a dashboard Model from cfg.
func New(cfg Config) Model {
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 500 * time.Millisecond
	}
	if cfg.Stats == nil {
		cfg.Stats = func() pool.Stats { return pool.Stats{} }
	}
	m := Model{
		title:         cfg.Title,
		events:        cfg.Events,
		stats:         cfg.Stats,
		statsInterval: cfg.StatsInterval,
		tasks:         newTaskTable(40, 20),
		output:        newOutputPane(40, 20),
		poolStats:     cfg.Stats(),
	}
	m.output.Show(nil)
	return m
}

// Init starts listening for events and polling pool stats.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		statsTickCmd(m.statsInterval),
	)
}

// Update handles all messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.tasks.Apply(msg.Event)
		m.output.Show(m.tasks.Selected())
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.done = true
		m.poolStats = m.stats()
		return m, nil

	case statsTickMsg:
		m.poolStats = m.stats()
		if m.done {
			return m, nil
		}
		return m, statsTickCmd(m.statsInterval)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "tab":
		if m.focused == paneTasks {
			m.focused = paneOutput
			m.tasks.table.Blur()
		} else {
			m.focused = paneTasks
			m.tasks.table.Focus()
		}
		return m, nil
	}

	if m.focused == paneOutput {
		return m, m.output.Update(msg)
	}
	before := m.tasks.table.Cursor()
	cmd := m.tasks.Update(msg)
	if m.tasks.table.Cursor() != before {
		m.output.Show(m.tasks.Selected())
	}
	return m, cmd
}

// Done reports whether the run has finished.
func (m Model) Done() bool {
	return m.done
}

func (m *Model) layout() (tableWidth, mainHeight int) {
	tableWidth = m.width * 55 / 100
	mainHeight = m.height - 2 // title + status bar
	if mainHeight < 5 {
		mainHeight = 5
	}
	return tableWidth, mainHeight
}

func (m *Model) resize() {
	tableWidth, mainHeight := m.layout()
	m.tasks.Resize(tableWidth, mainHeight)
	m.output.Resize(m.width-tableWidth, mainHeight)
}

// View renders the full dashboard.
func (m Model) View() tea.View {
	if m.width == 0 || m.height == 0 {
		return tea.NewView("Loading...")
	}
	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

func (m Model) renderContent() string {
	tableWidth, mainHeight := m.layout()

	// Width and Height include the border in lipgloss v2.
	tableStyle, outputStyle := paneStyle, paneStyle
	if m.focused == paneTasks {
		tableStyle = focusedPaneStyle
	} else {
		outputStyle = focusedPaneStyle
	}
	mainRow := lipgloss.JoinHorizontal(lipgloss.Top,
		tableStyle.Width(tableWidth).Height(mainHeight).Render(m.tasks.View()),
		outputStyle.Width(m.width-tableWidth).Height(mainHeight).Render(m.output.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(m.title),
		mainRow,
		renderStatusBar(m.poolStats, m.tasks.Counts(), m.done, m.width),
	)
}
