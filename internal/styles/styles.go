// Package styles holds the lipgloss palette shared by terminal output.
package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Colors meet WCAG AA contrast on dark terminals
	PrimaryColor = lipgloss.Color("#A78BFA") // Purple
	SuccessColor = lipgloss.Color("#10B981") // Green
	WarningColor = lipgloss.Color("#F59E0B") // Amber
	ErrorColor   = lipgloss.Color("#F87171") // Red
	MutedColor   = lipgloss.Color("#9CA3AF") // Gray
	BorderColor  = lipgloss.Color("#6B7280")
	InfoColor    = lipgloss.Color("#60A5FA") // Blue

	Primary = lipgloss.NewStyle().Foreground(PrimaryColor)
	Success = lipgloss.NewStyle().Foreground(SuccessColor)
	Warning = lipgloss.NewStyle().Foreground(WarningColor)
	Error   = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted   = lipgloss.NewStyle().Foreground(MutedColor)
	Info    = lipgloss.NewStyle().Foreground(InfoColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Label = lipgloss.NewStyle().
		Bold(true).
		Width(14)

	// Panel frames escalation requests and halt reports
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(WarningColor).
		Padding(0, 1)

	ErrorPanel = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ErrorColor).
			Padding(0, 1)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor)
)

// Status returns the style for a session or step status.
func Status(status string) lipgloss.Style {
	switch status {
	case "completed", "committed", "approve":
		return Success
	case "in_progress", "running":
		return Info
	case "halted", "partial", "reconciliation", "escalated":
		return Warning
	case "failed", "aborted":
		return Error
	default:
		return Muted
	}
}

// Severity returns the style for a drift severity.
func Severity(severity string) lipgloss.Style {
	switch severity {
	case "none":
		return Success
	case "minor":
		return Info
	case "moderate":
		return Warning
	case "major":
		return Error
	default:
		return Muted
	}
}
