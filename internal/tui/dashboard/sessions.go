package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/tui"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

type sessionsModel struct {
	items  []protocol.SessionSummary
	cursor int
}

func newSessions() sessionsModel {
	return sessionsModel{}
}

func (s *sessionsModel) update(sessions []protocol.SessionSummary) {
	s.items = sessions
	if s.cursor >= len(s.items) {
		s.cursor = max(0, len(s.items)-1)
	}
}

func (s sessionsModel) selectedID() string {
	if s.cursor < len(s.items) {
		return s.items[s.cursor].ID
	}
	return ""
}

func (s sessionsModel) Update(msg tea.Msg) (sessionsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if s.cursor < len(s.items)-1 {
				s.cursor++
			}
		case "k", "up":
			if s.cursor > 0 {
				s.cursor--
			}
		case "G":
			s.cursor = max(0, len(s.items)-1)
		case "g":
			s.cursor = 0
		}
	}
	return s, nil
}

func (s sessionsModel) View() string {
	if len(s.items) == 0 {
		return tui.Dimmed.Render("  No sessions")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-10s %-12s %-12s %-10s %s",
		headerStyle.Render("ID"),
		headerStyle.Render("KIND"),
		headerStyle.Render("STATE"),
		headerStyle.Render("AGE"),
		headerStyle.Render("WORKDIR"),
	)

	rows := header + "\n"
	for i, sess := range s.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == s.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		shortID := sess.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		workDir := sess.WorkingDir
		if len(workDir) > 30 {
			workDir = "…" + workDir[len(workDir)-29:]
		}

		row := fmt.Sprintf("%-10s %-12s %-12s %-10s %s",
			style.Render(shortID),
			style.Render(sess.Kind),
			stateColor(sess.State).Render(sess.State),
			style.Render(formatAge(sess.CreatedAt)),
			tui.Dimmed.Render(workDir),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func (s sessionsModel) height() int {
	return min(len(s.items)+2, 12) // header + rows, max 12
}

func stateColor(state string) lipgloss.Style {
	switch state {
	case "processing":
		return lipgloss.NewStyle().Foreground(tui.ColorSuccess)
	case "ready":
		return lipgloss.NewStyle().Foreground(tui.ColorAccent)
	case "idle":
		return lipgloss.NewStyle().Foreground(tui.ColorMuted)
	case "terminated", "terminating":
		return lipgloss.NewStyle().Foreground(tui.ColorError)
	default:
		return lipgloss.NewStyle().Foreground(tui.ColorText)
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
