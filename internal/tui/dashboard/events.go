package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/switchboard-ai/switchboard/internal/tui"
)

const maxEventLines = 1000

type eventsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	feedID     string
	feedErr    error
}

func newEvents() eventsModel {
	return eventsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (e *eventsModel) SetSize(width, height int) {
	e.viewport.Width = width
	e.viewport.Height = height
}

func (e *eventsModel) setFeed(msg FeedStateMsg) {
	e.feedID = msg.SessionID
	e.feedErr = msg.Err
	e.lines = nil
	e.viewport.SetContent("")
}

func (e eventsModel) feedLabel() string {
	if e.feedID == "" {
		return ""
	}
	id := e.feedID
	if len(id) > 8 {
		id = id[:8]
	}
	return tui.Dimmed.Render(" — " + id)
}

func (e *eventsModel) addEvent(msg EventMsg) {
	e.lines = append(e.lines, e.formatEvent(msg))
	if len(e.lines) > maxEventLines {
		e.lines = e.lines[len(e.lines)-maxEventLines:]
	}

	e.viewport.SetContent(strings.Join(e.lines, "\n"))
	if e.autoScroll {
		e.viewport.GotoBottom()
	}
}

func (e eventsModel) formatEvent(msg EventMsg) string {
	ts := msg.Frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	style := tui.EventStyle(msg.Frame.Type)

	detail := string(msg.Frame.Payload)
	if len(detail) > 120 {
		detail = detail[:120] + "…"
	}
	return fmt.Sprintf("  %s %s  %s",
		ts.Format("15:04:05"),
		style.Render(fmt.Sprintf("%-20s", msg.Frame.Type)),
		tui.Dimmed.Render(detail),
	)
}

func (e eventsModel) Update(msg tea.Msg) (eventsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			e.autoScroll = true
			e.viewport.GotoBottom()
			return e, nil
		case "g":
			e.autoScroll = false
			e.viewport.GotoTop()
			return e, nil
		case "j", "down", "k", "up":
			e.autoScroll = false
		}
	}

	var cmd tea.Cmd
	e.viewport, cmd = e.viewport.Update(msg)
	return e, cmd
}

func (e eventsModel) View() string {
	if e.feedErr != nil {
		return tui.ErrorStyle.Render("  feed error: " + e.feedErr.Error())
	}
	if e.feedID == "" {
		return tui.Dimmed.Render("  Select a session and press Enter to tail its events")
	}
	if len(e.lines) == 0 {
		return tui.Dimmed.Render("  Waiting for events…")
	}
	return e.viewport.View()
}
