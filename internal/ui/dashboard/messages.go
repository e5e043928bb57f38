package dashboard

import (
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/agent462/devherd/internal/executor"
)

// eventMsg carries one executor event into the model.
type eventMsg struct {
	Event executor.Event
}

// eventsClosedMsg is sent once the event channel is closed, meaning the run
// has finished.
type eventsClosedMsg struct{}

// statsTickMsg triggers a pool stats refresh.
type statsTickMsg struct{}

// waitForEvent reads the next event from ch.
func waitForEvent(ch <-chan executor.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{Event: ev}
	}
}

func statsTickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return statsTickMsg{}
	})
}
