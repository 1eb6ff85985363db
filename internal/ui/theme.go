// Package ui renders capture state for terminal output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Amber marks work in progress.
	Amber = "#FF9966"
	// Blue marks informational states.
	Blue = "#9999CC"
	// Red marks failures.
	Red = "#FF3333"
	// Yellow marks warnings.
	Yellow = "#FFCC00"
	// Green marks success.
	Green = "#33FF33"
	// Gray marks idle or unknown states.
	Gray = "#52526A"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconIdle    = "○"
	IconFailed  = "✗"
	IconAlert   = "⚠"
)

var (
	AmberColor  = profileColor(Amber, "209", "11")
	BlueColor   = profileColor(Blue, "146", "12")
	RedColor    = profileColor(Red, "203", "9")
	YellowColor = profileColor(Yellow, "220", "11")
	GreenColor  = profileColor(Green, "46", "10")
	GrayColor   = profileColor(Gray, "60", "8")
)

var (
	// SuccessStyle marks successful results.
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	// ErrorStyle marks failed results.
	ErrorStyle = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	// WarningStyle marks alerts.
	WarningStyle = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	// LabelStyle marks field names.
	LabelStyle = lipgloss.NewStyle().Foreground(BlueColor)
	// MutedStyle marks secondary text.
	MutedStyle = lipgloss.NewStyle().Foreground(GrayColor)
)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
