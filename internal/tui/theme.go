// Package tui provides shared theme and styles for the Switchboard TUI.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors — brand palette.
var (
	ColorPrimary   = lipgloss.Color("#14B8A6") // teal
	ColorSecondary = lipgloss.Color("#0EA5E9") // sky
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

// Shared styles used across the dashboard.
var (
	// Title is the main heading style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		MarginBottom(1)

	// Subtitle for secondary headings.
	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	// Description for helper text.
	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	// Selected highlights the currently focused item.
	Selected = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	// Dimmed for non-focused items.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Success for positive messages.
	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// WarningStyle for warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// ActiveDot represents a healthy gateway.
	ActiveDot = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Render("●")

	// InactiveDot represents an unreachable or degraded gateway.
	InactiveDot = lipgloss.NewStyle().
			Foreground(ColorError).
			Render("●")
)

// StatusDot returns a colored dot for gateway health.
func StatusDot(ready bool) string {
	if ready {
		return ActiveDot
	}
	return InactiveDot
}

// StatusText returns a colored health label.
func StatusText(ready bool) string {
	if ready {
		return Success.Render("ready")
	}
	return ErrorStyle.Render("unreachable")
}

// EventStyle returns a style for a session event type.
func EventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "error", "stderr", "exit":
		return lipgloss.NewStyle().Foreground(ColorError)
	case "permission_request":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "result", "idle":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "state":
		return lipgloss.NewStyle().Foreground(ColorSecondary)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
