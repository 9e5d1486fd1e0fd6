package ui

import "github.com/charmbracelet/lipgloss"

// Color palette for the tuyalan CLI
var (
	PrimaryColor = lipgloss.Color("#FF8C00") // Orange - headers, borders
	SuccessColor = lipgloss.Color("#43BF6D") // Green - connected, true DPs
	ErrorColor   = lipgloss.Color("#FF5555") // Red - errors, disconnects
	WarningColor = lipgloss.Color("#FFA500") // Amber - warnings, timeouts
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Shared styles for CLI output
var (
	// TitleStyle is for section headers (e.g. "DISCOVERED DEVICES")
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	// LabelStyle is for field names (e.g. "ID:", "Version:")
	LabelStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	// ValueStyle is for field values
	ValueStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	// OKStyle marks healthy states
	OKStyle = lipgloss.NewStyle().
		Foreground(SuccessColor)

	// ErrStyle marks failures
	ErrStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	// EventStyle is for the watch event log lines
	EventStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	// BoxStyle frames the watch dashboard
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)
)

// Status renders a connected/disconnected badge.
func Status(connected bool) string {
	if connected {
		return OKStyle.Render("● connected")
	}
	return ErrStyle.Render("○ disconnected")
}
