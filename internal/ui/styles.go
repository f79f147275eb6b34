package ui

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	ColorPass  = lipgloss.Color("42")  // green
	ColorWarn  = lipgloss.Color("214") // orange
	ColorFail  = lipgloss.Color("196") // red
	ColorMuted = lipgloss.Color("245") // gray
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle  = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle  = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(ColorMuted)
)

// RenderPass styles a success marker.
func RenderPass(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles a warning marker.
func RenderWarn(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail styles a failure marker.
func RenderFail(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return failStyle.Render(s)
}

// RenderMuted styles secondary text such as paths and hints.
func RenderMuted(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return mutedStyle.Render(s)
}
