package main

import "github.com/charmbracelet/lipgloss"

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	faint  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#909090", Dark: "#626262"}).Render
	okText = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	bad    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true).Render
	warn   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ECFD65")).Render
	header = lipgloss.NewStyle().Bold(true).Render
)

// statusStyle colours a job or run status.
func statusStyle(status string) string {
	switch status {
	case "completed", "succeeded", "success":
		return okText(status)
	case "failed", "cancelled":
		return bad(status)
	case "processing", "running", "queued":
		return warn(status)
	default:
		return status
	}
}
