package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Panel indices.
const (
	PanelTasks = 0
	PanelLogs  = 1
)

// listLimit caps how many tasks the table shows.
const listLimit = 200

// filters is the cycle order of the status filter; empty means all.
var filters = []models.TaskStatus{
	"",
	models.TaskStatusQueued,
	models.TaskStatusRunning,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
	models.TaskStatusCancelled,
}

// Source is what the view reads and acts on.
type Source interface {
	ListTasks(f store.Filter, limit, offset int) []*models.Task
	Counts() map[models.TaskStatus]int
	Pending() int
	CancelTask(id string) error
	UpdatePriority(id string, priority int) (*models.Task, error)
}

// EventMsg delivers a store event to the log panel.
type EventMsg struct {
	Event store.Event
}

type refreshMsg time.Time

// Forward returns an event handler that copies events into ch without
// blocking; events are dropped while ch is full.
func Forward(ch chan<- store.Event) func(store.Event) {
	return func(ev store.Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}

// App is the bubbletea model of the task view.
type App struct {
	src     Source
	events  <-chan store.Event
	refresh time.Duration

	header *Header
	tasks  *TasksPanel
	logs   *LogsPanel
	footer *Footer

	panel    int
	filter   int
	width    int
	height   int
	quitting bool
}

// New creates the view. A nil events channel disables the log feed.
func New(src Source, events <-chan store.Event, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = 250 * time.Millisecond
	}
	a := &App{
		src:     src,
		events:  events,
		refresh: refresh,
		header:  NewHeader(),
		tasks:   NewTasksPanel(),
		logs:    NewLogsPanel(),
		footer:  NewFooter(),
	}
	a.setPanel(PanelTasks)
	return a
}

// NewProgram wraps a new App in a full-screen bubbletea program.
func NewProgram(src Source, events <-chan store.Event, refresh time.Duration) (*tea.Program, *App) {
	app := New(src, events, refresh)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{func() tea.Msg { return refreshMsg(time.Now()) }}
	if a.events != nil {
		cmds = append(cmds, waitForEvent(a.events))
	}
	return tea.Batch(cmds...)
}

func waitForEvent(ch <-chan store.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg{Event: ev}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()

	case refreshMsg:
		a.reload()
		return a, a.tick()

	case EventMsg:
		a.logs.AddLog(entryFromEvent(msg.Event))
		if a.events == nil {
			return a, nil
		}
		return a, waitForEvent(a.events)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c":
		a.quitting = true
		return tea.Quit
	case "tab", "shift+tab":
		if a.panel == PanelTasks {
			a.setPanel(PanelLogs)
		} else {
			a.setPanel(PanelTasks)
		}
		return nil
	}

	if a.panel == PanelLogs {
		var cmd tea.Cmd
		a.logs, cmd = a.logs.Update(msg)
		return cmd
	}

	switch msg.String() {
	case "c":
		a.cancelSelected()
	case "+", "=":
		a.bumpPriority(1)
	case "-":
		a.bumpPriority(-1)
	case "f":
		a.filter = (a.filter + 1) % len(filters)
		a.footer.SetFilter(string(filters[a.filter]))
		a.reload()
	default:
		var cmd tea.Cmd
		a.tasks, cmd = a.tasks.Update(msg)
		return cmd
	}
	return nil
}

func (a *App) cancelSelected() {
	t := a.tasks.SelectedTask()
	if t == nil {
		return
	}
	if err := a.src.CancelTask(t.ID); err != nil {
		a.footer.SetMessage(err.Error(), true)
		return
	}
	a.footer.SetMessage(fmt.Sprintf("cancel requested for %s", shortID(t.ID)), false)
	a.reload()
}

func (a *App) bumpPriority(delta int) {
	t := a.tasks.SelectedTask()
	if t == nil {
		return
	}
	p := t.Priority + delta
	if !models.ValidPriority(p) {
		a.footer.SetMessage(fmt.Sprintf("priority stays within %d..%d", models.MinPriority, models.MaxPriority), true)
		return
	}
	if _, err := a.src.UpdatePriority(t.ID, p); err != nil {
		a.footer.SetMessage(err.Error(), true)
		return
	}
	a.footer.SetMessage(fmt.Sprintf("%s priority %d", shortID(t.ID), p), false)
	a.reload()
}

func (a *App) reload() {
	a.tasks.SetTasks(a.src.ListTasks(store.Filter{Status: filters[a.filter]}, listLimit, 0))
	a.header.SetCounts(a.src.Counts(), a.src.Pending())
}

func (a *App) setPanel(panel int) {
	a.panel = panel
	a.tasks.SetFocused(panel == PanelTasks)
	a.logs.SetFocused(panel == PanelLogs)
	a.footer.SetPanel(panel)
}

func (a *App) resize() {
	a.header.SetWidth(a.width)
	a.footer.SetWidth(a.width)
	content := a.height - a.header.Height() - 1
	a.tasks.SetSize(a.width, content)
	a.logs.SetSize(a.width, content)
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}
	body := a.tasks.View()
	if a.panel == PanelLogs {
		body = a.logs.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left, a.header.View(), body, a.footer.View())
}
