package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orchestra/internal/store"
)

// LogLevel represents the severity of a log message.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// PanelLogEntry represents a single line in the logs panel.
type PanelLogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	TaskID    string
	Message   string
}

// entryFromEvent converts a store event into a log line.
func entryFromEvent(ev store.Event) PanelLogEntry {
	level := LogLevelInfo
	switch ev.Type {
	case store.EventTaskFailed:
		level = LogLevelError
	case store.EventTaskCancelled, store.EventTaskRequeued:
		level = LogLevelWarn
	}
	msg := fmt.Sprintf("%s %s", ev.Type, ev.TemplateName)
	if ev.Message != "" {
		msg += ": " + firstLine(ev.Message)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return PanelLogEntry{Timestamp: ts, Level: level, TaskID: ev.TaskID, Message: msg}
}

// LogsPanel displays a scrollable event log.
type LogsPanel struct {
	logs       []PanelLogEntry
	viewport   viewport.Model
	autoScroll bool
	focused    bool
	maxLogs    int

	titleStyle  lipgloss.Style
	borderStyle lipgloss.Style
	timeStyle   lipgloss.Style
	taskStyle   lipgloss.Style
	warnStyle   lipgloss.Style
	errorStyle  lipgloss.Style
}

// NewLogsPanel creates a new LogsPanel instance.
func NewLogsPanel() *LogsPanel {
	return &LogsPanel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
		maxLogs:    1000,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")),
		timeStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		taskStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		warnStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
	}
}

// AddLog appends an entry, dropping the oldest past maxLogs.
func (p *LogsPanel) AddLog(entry PanelLogEntry) {
	p.logs = append(p.logs, entry)
	if over := len(p.logs) - p.maxLogs; over > 0 {
		p.logs = append(p.logs[:0:0], p.logs[over:]...)
	}
	p.refresh()
}

// Len returns the number of entries held.
func (p *LogsPanel) Len() int { return len(p.logs) }

// SetSize updates the panel dimensions.
func (p *LogsPanel) SetSize(width, height int) {
	p.viewport.Width = width - 2
	if h := height - 3; h > 1 {
		p.viewport.Height = h
	}
	p.refresh()
}

// SetFocused sets whether this panel has keyboard focus.
func (p *LogsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles scrolling and the auto-scroll toggle.
func (p *LogsPanel) Update(msg tea.Msg) (*LogsPanel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "a" {
		p.autoScroll = !p.autoScroll
		p.refresh()
		return p, nil
	}
	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

// View renders the panel.
func (p *LogsPanel) View() string {
	title := "Events"
	if !p.autoScroll {
		title += " (paused)"
	}
	border := p.borderStyle
	if p.focused {
		border = border.BorderForeground(lipgloss.Color("75"))
	}
	return border.Render(lipgloss.JoinVertical(lipgloss.Left, p.titleStyle.Render(title), p.viewport.View()))
}

func (p *LogsPanel) refresh() {
	lines := make([]string, len(p.logs))
	for i, e := range p.logs {
		lines[i] = p.render(e)
	}
	p.viewport.SetContent(strings.Join(lines, "\n"))
	if p.autoScroll {
		p.viewport.GotoBottom()
	}
}

func (p *LogsPanel) render(e PanelLogEntry) string {
	msg := e.Message
	switch e.Level {
	case LogLevelWarn:
		msg = p.warnStyle.Render(msg)
	case LogLevelError:
		msg = p.errorStyle.Render(msg)
	}
	return fmt.Sprintf("%s %s %s",
		p.timeStyle.Render(e.Timestamp.Format("15:04:05")),
		p.taskStyle.Render(shortID(e.TaskID)),
		msg)
}
