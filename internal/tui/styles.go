package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorCorrect   = lipgloss.Color("42")
	colorIncorrect = lipgloss.Color("196")
	colorMuted     = lipgloss.Color("241")
	colorAccent    = lipgloss.Color("39")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tutorStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	cardStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	focusCardStyle = cardStyle.BorderForeground(colorAccent)
	correctStyle   = lipgloss.NewStyle().Foreground(colorCorrect)
	incorrectStyle = lipgloss.NewStyle().Foreground(colorIncorrect)
	mutedStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(colorIncorrect).Padding(0, 1)
	statusBarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Background(lipgloss.Color("236")).Padding(0, 2)
	footerStyle    = lipgloss.NewStyle().Foreground(colorMuted)
)
