package dashboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/tui"
)

type headerModel struct {
	serverURL string
	reachable bool
	sessions  int
	backends  map[string]bool
}

func newHeader(serverURL string) headerModel {
	return headerModel{serverURL: serverURL}
}

func (h *headerModel) update(msg HealthUpdateMsg) {
	h.reachable = msg.Reachable && msg.Health.Status == "ready"
	h.sessions = msg.Health.Sessions
	h.backends = msg.Health.Backends
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("Switchboard")

	dot := tui.StatusDot(h.reachable)
	statusLabel := tui.StatusText(h.reachable)
	right := fmt.Sprintf("%s  %s %s", h.serverURL, dot, statusLabel)

	info := fmt.Sprintf("  Sessions: %d", h.sessions)

	metaStyle := lipgloss.NewStyle().Foreground(tui.ColorMuted)
	nameStyle := lipgloss.NewStyle().Foreground(tui.ColorText).Bold(true)

	// Show discovered agent binaries inline to keep the header compact.
	if len(h.backends) > 0 {
		bins := make([]string, 0, len(h.backends))
		for bin := range h.backends {
			bins = append(bins, bin)
		}
		sort.Strings(bins)

		var sb strings.Builder
		for i, bin := range bins {
			if i > 0 {
				sb.WriteString(metaStyle.Render(", "))
			}
			mark := tui.ErrorStyle.Render("✗")
			if h.backends[bin] {
				mark = tui.Success.Render("✓")
			}
			sb.WriteString(nameStyle.Render(bin) + " " + mark)
		}
		info += "\n" + metaStyle.Render("  Agents:   ") + sb.String()
	}

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	pad := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if pad < 0 {
		pad = 0
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(pad).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(info))
}
