package dashboard

import (
	"fmt"

	"charm.land/lipgloss/v2"

	"github.com/agent462/devherd/internal/pool"
)

// renderStatusBar builds the bottom bar with pool occupancy, task counts and
// key hints.
func renderStatusBar(stats pool.Stats, counts map[string]int, done bool, width int) string {
	left := fmt.Sprintf(" %d devices: %d idle, %d busy", stats.Size, stats.Idle, stats.Held)
	if stats.Waiting > 0 {
		left += fmt.Sprintf(", %d waiting", stats.Waiting)
	}

	left += " │ " + statusOK.Render(fmt.Sprintf("%d ok", counts[stateOK]))
	if n := counts[stateExit] + counts[stateFailed] + counts[stateTimeout]; n > 0 {
		left += " " + statusBad.Render(fmt.Sprintf("%d failed", n))
	}
	if n := counts[stateRunning] + counts[stateQueued]; n > 0 {
		left += " " + statusBusy.Render(fmt.Sprintf("%d pending", n))
	} else if done {
		left += " " + statusOK.Render("done")
	}

	right := helpKeyStyle.Render("j/k") + helpDescStyle.Render(" select") +
		"  " + helpKeyStyle.Render("Tab") + helpDescStyle.Render(" focus") +
		"  " + helpKeyStyle.Render("q") + helpDescStyle.Render(" quit") + " "

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return statusBarStyle.Width(width).Render(left + fmt.Sprintf("%*s", gap, "") + right)
}
