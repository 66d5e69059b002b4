// Package dashboard is the read-only terminal dashboard for a running
// Switchboard gateway.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/switchboard-ai/switchboard/internal/tui"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelSessions Panel = iota
	PanelEvents
)

// Model is the root dashboard TUI model.
type Model struct {
	header   headerModel
	sessions sessionsModel
	events   eventsModel
	help     helpModel

	// attach is called when the user picks a session to tail; empty id
	// detaches. Wired by Run.
	attach func(sessionID string)

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model. The attach callback switches the
// event feed to the given session.
func NewModel(serverURL string, attach func(sessionID string)) Model {
	return Model{
		header:   newHeader(serverURL),
		sessions: newSessions(),
		events:   newEvents(),
		help:     newHelp(),
		attach:   attach,
	}
}

// HealthUpdateMsg carries a fresh /readyz probe result.
type HealthUpdateMsg struct {
	Reachable bool
	Health    protocol.HealthStatus
}

// SessionsUpdateMsg carries a fresh session listing.
type SessionsUpdateMsg struct {
	Sessions []protocol.SessionSummary
}

// EventMsg is one frame from the tailed session's event feed.
type EventMsg struct {
	SessionID string
	Frame     protocol.Envelope
}

// FeedStateMsg reports the event feed's attachment state.
type FeedStateMsg struct {
	SessionID string
	Err       error
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.SetSize(msg.Width-4, m.eventsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelSessions {
				m.activePanel = PanelEvents
			} else {
				m.activePanel = PanelSessions
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
			if m.activePanel == PanelSessions && m.attach != nil {
				if id := m.sessions.selectedID(); id != "" {
					m.attach(id)
				}
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("esc"))):
			if m.attach != nil {
				m.attach("")
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case HealthUpdateMsg:
		m.header.update(msg)
		return m, nil

	case SessionsUpdateMsg:
		m.sessions.update(msg.Sessions)
		return m, nil

	case EventMsg:
		m.events.addEvent(msg)
		return m, nil

	case FeedStateMsg:
		m.events.setFeed(msg)
		return m, nil
	}

	// Delegate to active panel.
	var cmd tea.Cmd
	switch m.activePanel {
	case PanelSessions:
		m.sessions, cmd = m.sessions.Update(msg)
	case PanelEvents:
		m.events, cmd = m.events.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	sessStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)
	eventsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelSessions {
		sessStyle = sessStyle.BorderForeground(tui.ColorPrimary)
	} else {
		eventsStyle = eventsStyle.BorderForeground(tui.ColorPrimary)
	}

	sessView := sessStyle.Render(
		tui.Subtitle.Render(" Sessions") + "\n" + m.sessions.View(),
	)
	eventsView := eventsStyle.Render(
		tui.Subtitle.Render(" Events"+m.events.feedLabel()) + "\n" + m.events.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		sessView,
		eventsView,
		m.help.bar(),
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) eventsHeight() int {
	// Reserve space for header, sessions, help bar, borders.
	used := 6 + m.sessions.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}
