package tui

import "github.com/charmbracelet/lipgloss"

const (
	hotPink     = lipgloss.Color("#FF06B7")
	pastelGreen = lipgloss.Color("#6A994E")
	darkGray    = lipgloss.Color("#767676")
	softPurple  = lipgloss.Color("#875f9a")
	errorRed    = lipgloss.Color("#E84855")
)

var (
	docStyle    = lipgloss.NewStyle().Margin(1, 2)
	titleStyle  = lipgloss.NewStyle().Foreground(hotPink).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(hotPink).Width(10)
	focusStyle  = lipgloss.NewStyle().Foreground(hotPink)
	helpStyle   = lipgloss.NewStyle().Foreground(darkGray)
	okStyle     = lipgloss.NewStyle().Foreground(pastelGreen)
	errStyle    = lipgloss.NewStyle().Foreground(errorRed)
	logStyle    = lipgloss.NewStyle().Foreground(darkGray)
	selectStyle = lipgloss.NewStyle().Foreground(softPurple).Bold(true)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(softPurple).
			Padding(0, 1)
)
