package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// TasksPanel shows tasks in a scrollable table, newest first.
type TasksPanel struct {
	table   table.Model
	tasks   []*models.Task
	width   int
	height  int
	focused bool
	now     func() time.Time

	borderStyle lipgloss.Style
	titleStyle  lipgloss.Style
}

// NewTasksPanel creates a new TasksPanel instance.
func NewTasksPanel() *TasksPanel {
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("236")).
		Bold(true)
	t.SetStyles(styles)

	return &TasksPanel{
		table:   t,
		focused: true,
		now:     time.Now,
		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")),
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),
	}
}

func taskColumns(width int) []table.Column {
	// id, template, status, priority, age; the error column takes the rest.
	fixed := 10 + 18 + 10 + 4 + 8
	errWidth := width - fixed - 14
	if errWidth < 10 {
		errWidth = 10
	}
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Template", Width: 18},
		{Title: "Status", Width: 10},
		{Title: "Pri", Width: 4},
		{Title: "Age", Width: 8},
		{Title: "Error", Width: errWidth},
	}
}

// SetTasks replaces the rows. The cursor stays on the same task when it is
// still listed.
func (p *TasksPanel) SetTasks(tasks []*models.Task) {
	selected := p.SelectedID()
	p.tasks = tasks

	rows := make([]table.Row, 0, len(tasks))
	cursor := 0
	for i, t := range tasks {
		if t.ID == selected {
			cursor = i
		}
		rows = append(rows, table.Row{
			shortID(t.ID),
			t.TemplateName,
			string(t.Status),
			fmt.Sprintf("%d", t.Priority),
			formatAge(p.now().Sub(t.CreatedAt)),
			firstLine(t.Error),
		})
	}
	p.table.SetRows(rows)
	if len(rows) > 0 {
		p.table.SetCursor(cursor)
	}
}

// SelectedTask returns the task under the cursor, or nil.
func (p *TasksPanel) SelectedTask() *models.Task {
	i := p.table.Cursor()
	if i < 0 || i >= len(p.tasks) {
		return nil
	}
	return p.tasks[i]
}

// SelectedID returns the ID of the task under the cursor.
func (p *TasksPanel) SelectedID() string {
	if t := p.SelectedTask(); t != nil {
		return t.ID
	}
	return ""
}

// SetSize updates the panel dimensions.
func (p *TasksPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	p.table.SetColumns(taskColumns(width))
	// Border and title take three lines.
	if h := height - 3; h > 1 {
		p.table.SetHeight(h)
	}
	p.table.SetWidth(width - 2)
}

// SetFocused sets whether this panel has keyboard focus.
func (p *TasksPanel) SetFocused(focused bool) {
	p.focused = focused
	if focused {
		p.table.Focus()
	} else {
		p.table.Blur()
	}
}

// Update handles navigation keys.
func (p *TasksPanel) Update(msg tea.Msg) (*TasksPanel, tea.Cmd) {
	var cmd tea.Cmd
	p.table, cmd = p.table.Update(msg)
	return p, cmd
}

// View renders the panel.
func (p *TasksPanel) View() string {
	title := p.titleStyle.Render(fmt.Sprintf("Tasks (%d)", len(p.tasks)))
	border := p.borderStyle
	if p.focused {
		border = border.BorderForeground(lipgloss.Color("75"))
	}
	return border.Render(lipgloss.JoinVertical(lipgloss.Left, title, p.table.View()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
