package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Footer renders the status line and keyboard hints.
type Footer struct {
	message string
	isError bool
	panel   int
	filter  string
	width   int

	errorStyle     lipgloss.Style
	messageStyle   lipgloss.Style
	hintStyle      lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		messageStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")),
		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetMessage sets the status message shown on the left.
func (f *Footer) SetMessage(message string, isError bool) {
	f.message = message
	f.isError = isError
}

// SetPanel sets which panel is focused.
func (f *Footer) SetPanel(panel int) {
	f.panel = panel
}

// SetFilter sets the status filter label.
func (f *Footer) SetFilter(filter string) {
	f.filter = filter
}

// SetWidth sets the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
}

// View renders the footer.
func (f *Footer) View() string {
	var left string
	if f.message != "" {
		if f.isError {
			left = f.errorStyle.Render("✗ " + f.message)
		} else {
			left = f.messageStyle.Render(f.message)
		}
	}
	right := f.keyboardHints()
	if left == "" {
		return right
	}
	return left + f.separatorStyle.Render(" │ ") + right
}

// keyboardHints returns context-sensitive keyboard hints.
func (f *Footer) keyboardHints() string {
	hints := "tab panels"
	switch f.panel {
	case PanelTasks:
		filter := f.filter
		if filter == "" {
			filter = "all"
		}
		hints += " │ ↑/↓ select │ c cancel │ +/- priority │ f filter: " + filter
	case PanelLogs:
		hints += " │ ↑/↓ scroll │ a auto-scroll"
	}
	hints += " │ q quit"
	return f.hintStyle.Render(hints)
}
