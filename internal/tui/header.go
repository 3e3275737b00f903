package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// headerStatuses is the display order of the status counters.
var headerStatuses = []models.TaskStatus{
	models.TaskStatusQueued,
	models.TaskStatusRunning,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
	models.TaskStatusCancelled,
}

// Header renders the title bar with per-status task counts.
type Header struct {
	width   int
	counts  map[models.TaskStatus]int
	pending int

	titleStyle lipgloss.Style
	labelStyle lipgloss.Style
}

// NewHeader creates a new Header.
func NewHeader() *Header {
	return &Header{
		width:  80,
		counts: map[models.TaskStatus]int{},
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#45B7D1")),
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// SetCounts updates the status counters and the ready-queue length.
func (h *Header) SetCounts(counts map[models.TaskStatus]int, pending int) {
	h.counts = counts
	h.pending = pending
}

// View renders the header.
func (h *Header) View() string {
	parts := make([]string, 0, len(headerStatuses)+1)
	for _, st := range headerStatuses {
		n := h.counts[st]
		parts = append(parts, statusStyle(st).Render(fmt.Sprintf("%s %d", st, n)))
	}
	parts = append(parts, h.labelStyle.Render(fmt.Sprintf("ready %d", h.pending)))

	title := h.titleStyle.Render("orchestra")
	line := title + "  " + strings.Join(parts, h.labelStyle.Render(" · "))
	return lipgloss.NewStyle().Width(h.width).PaddingBottom(1).Render(line)
}

// Height returns the header height in lines.
func (h *Header) Height() int {
	return 2
}

// statusStyle colors a task status.
func statusStyle(st models.TaskStatus) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch st {
	case models.TaskStatusQueued:
		return s.Foreground(lipgloss.Color("244")) // Gray
	case models.TaskStatusRunning:
		return s.Foreground(lipgloss.Color("34")) // Green
	case models.TaskStatusCompleted:
		return s.Foreground(lipgloss.Color("28")) // Dark green
	case models.TaskStatusFailed:
		return s.Foreground(lipgloss.Color("196")) // Red
	case models.TaskStatusCancelled:
		return s.Foreground(lipgloss.Color("214")) // Orange
	}
	return s
}
