package dashboard

import (
	"charm.land/lipgloss/v2"
)

// Color palette.
var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorYellow = lipgloss.Color("#FDFF90")
	colorCyan   = lipgloss.Color("#00E5FF")
	colorSubtle = lipgloss.Color("#626262")
	colorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle)

	focusedPaneStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorCyan)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(lipgloss.Color("#333333")).
			Padding(0, 1)

	statusOK = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	statusBad = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	statusBusy = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	stderrStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)
)
