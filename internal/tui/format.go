package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/gateway"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/worker"
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	case "failed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case "sleeping", "completed", "cancelled":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
}

func workerRow(info worker.Info) string {
	up := time.Since(info.StartedAt).Truncate(time.Second)
	return fmt.Sprintf("%-16s [%s]  %s  %d actions, up %s",
		info.Account, info.Backend, stateStyle(string(info.State)).Render(string(info.State)), info.Actions, up)
}

func accountRow(a gateway.AccountInfo) string {
	return fmt.Sprintf("%-16s [%s]  owner %d  %d actions total", a.Name, a.Backend, a.OwnerID, a.Actions)
}

func runRow(r journal.Run) string {
	line := fmt.Sprintf("%-16s %s  %d actions", r.Account, stateStyle(r.State).Render(r.State), r.Actions)
	if r.EndedAt != nil {
		line += "  " + r.EndedAt.UTC().Format("15:04:05")
	}
	if r.Error != "" {
		line += "  " + r.Error
	}
	return line
}

// formatEvent renders one stream event for the feed, without a timestamp.
func formatEvent(ev gateway.StreamEvent) string {
	switch {
	case ev.Worker != nil:
		we := ev.Worker
		switch ev.Topic {
		case bus.TopicWorkerAction:
			return fmt.Sprintf("%s created %s", we.Account, we.Action)
		case bus.TopicWorkerSleeping:
			return fmt.Sprintf("%s sleeping %ds", we.Account, we.WaitSecs)
		case bus.TopicWorkerFailed:
			return fmt.Sprintf("%s failed: %s", we.Account, we.Err)
		default:
			return fmt.Sprintf("%s %s", we.Account, we.State)
		}
	case ev.Onboard != nil:
		oe := ev.Onboard
		name := oe.Account
		if name == "" {
			name = "(new)"
		}
		switch ev.Topic {
		case bus.TopicOnboardStage:
			return fmt.Sprintf("onboarding %s: %s", name, oe.Stage)
		case bus.TopicOnboardFailed:
			return fmt.Sprintf("onboarding %s failed: %s", name, oe.Err)
		default:
			return fmt.Sprintf("onboarding %s %s", name, strings.TrimPrefix(ev.Topic, "onboard."))
		}
	}
	return ev.Topic
}
