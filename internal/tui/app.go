package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/troupe/internal/orchestrator"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// refreshInterval is how often the agents table is re-read.
const refreshInterval = 500 * time.Millisecond

// Source is the part of the orchestrator the dashboard polls.
type Source interface {
	ListAgents() []models.AgentInfo
	DroppedEvents() uint64
}

// EventMsg wraps an orchestrator event for the TUI.
type EventMsg struct {
	Event orchestrator.Event
}

// DoneMsg signals that the command driving the orchestrator has finished.
type DoneMsg struct {
	Err error
}

type eventsClosedMsg struct{}

type refreshMsg struct{}

// App is the bubbletea model for the troupe dashboard.
type App struct {
	source Source
	events <-chan orchestrator.Event

	header  *Header
	agents  *AgentsPanel
	dropped uint64
	logs    *LogsPanel
	spinner spinner.Model

	// workflows maps workflow id to its last lifecycle event.
	workflows map[string]orchestrator.EventType

	width    int
	quitting bool
	done     bool
	doneErr  error

	okStyle   lipgloss.Style
	failStyle lipgloss.Style
	dimStyle  lipgloss.Style
}

// New creates a dashboard reading agents from source and events from events.
func New(source Source, events <-chan orchestrator.Event) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ECDC4"))

	return &App{
		source:    source,
		events:    events,
		header:    NewHeader(),
		agents:    NewAgentsPanel(),
		logs:      NewLogsPanel(),
		spinner:   s,
		workflows: make(map[string]orchestrator.EventType),
		okStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		failStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	a.refreshAgents()
	return tea.Batch(a.spinner.Tick, waitForEvent(a.events), refresh())
}

// waitForEvent reads the next event from the subscription.
func waitForEvent(ch <-chan orchestrator.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.header.SetWidth(msg.Width)
		a.agents.SetWidth(msg.Width)
		a.logs.SetWidth(msg.Width)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case refreshMsg:
		a.refreshAgents()
		return a, refresh()

	case EventMsg:
		a.handleEvent(msg.Event)
		return a, waitForEvent(a.events)

	case eventsClosedMsg:
		a.events = nil

	case DoneMsg:
		a.done = true
		a.doneErr = msg.Err
		a.refreshAgents()
	}

	return a, nil
}

func (a *App) handleEvent(ev orchestrator.Event) {
	a.logs.Add(ev)
	switch ev.Type {
	case orchestrator.EventWorkflowStarted, orchestrator.EventWorkflowCompleted,
		orchestrator.EventWorkflowFailed, orchestrator.EventWorkflowPartial:
		a.workflows[ev.WorkflowID] = ev.Type
	case orchestrator.EventAgentOutput:
		return
	}
	a.refreshAgents()
}

func (a *App) refreshAgents() {
	if a.source == nil {
		return
	}
	a.agents.SetAgents(a.source.ListAgents())
	a.dropped = a.source.DroppedEvents()
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	spin := a.spinner.View()
	if a.done {
		spin = " "
	}

	sections := []string{
		a.header.View(spin, a.agents.AgentCount(), a.agents.BusyCount()),
		a.agents.View(),
		a.logs.View(),
		a.viewWorkflows(),
		a.viewFooter(),
	}
	return strings.Join(sections, "\n")
}

func (a *App) viewWorkflows() string {
	if len(a.workflows) == 0 {
		return a.dimStyle.Render("No workflows running")
	}
	ids := make([]string, 0, len(a.workflows))
	for id := range a.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		var label string
		switch a.workflows[id] {
		case orchestrator.EventWorkflowStarted:
			label = "running"
		case orchestrator.EventWorkflowCompleted:
			label = a.okStyle.Render("completed")
		case orchestrator.EventWorkflowPartial:
			label = a.failStyle.Render("partial")
		case orchestrator.EventWorkflowFailed:
			label = a.failStyle.Render("failed")
		}
		parts = append(parts, fmt.Sprintf("%s: %s", id, label))
	}
	return "Workflows  " + strings.Join(parts, "  ")
}

func (a *App) viewFooter() string {
	hint := "q: quit"
	if a.dropped > 0 {
		hint = fmt.Sprintf("%d events dropped  %s", a.dropped, hint)
	}
	switch {
	case !a.done:
		return a.dimStyle.Render(hint)
	case a.doneErr != nil:
		return a.failStyle.Render("Finished with error: "+a.doneErr.Error()) + a.dimStyle.Render("  "+hint)
	}
	return a.okStyle.Render("Finished") + a.dimStyle.Render("  "+hint)
}
