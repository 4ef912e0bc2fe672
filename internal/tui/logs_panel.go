package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/troupe/internal/orchestrator"
)

// maxEvents is how many recent events the panel keeps.
const maxEvents = 12

// LogsPanel shows the most recent orchestrator events.
type LogsPanel struct {
	entries []orchestrator.Event
	width   int

	titleStyle lipgloss.Style
	timeStyle  lipgloss.Style
	errorStyle lipgloss.Style
	emptyStyle lipgloss.Style
}

// NewLogsPanel creates a new LogsPanel instance.
func NewLogsPanel() *LogsPanel {
	return &LogsPanel{
		width: 80,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),
		timeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		emptyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
	}
}

// SetWidth updates the panel width.
func (p *LogsPanel) SetWidth(width int) {
	p.width = width
}

// Add appends an event, evicting the oldest beyond maxEvents.
// Raw output chunks are not logged.
func (p *LogsPanel) Add(ev orchestrator.Event) {
	if ev.Type == orchestrator.EventAgentOutput {
		return
	}
	p.entries = append(p.entries, ev)
	if len(p.entries) > maxEvents {
		p.entries = p.entries[len(p.entries)-maxEvents:]
	}
}

// Len returns the number of retained events.
func (p *LogsPanel) Len() int {
	return len(p.entries)
}

// View renders the event log, oldest first.
func (p *LogsPanel) View() string {
	var b strings.Builder
	b.WriteString(p.titleStyle.Render("Events"))
	b.WriteString("\n")

	if len(p.entries) == 0 {
		b.WriteString(p.emptyStyle.Render("  Waiting for events"))
		return b.String()
	}

	for _, ev := range p.entries {
		line := fmt.Sprintf("%s %s", p.timeStyle.Render(ev.Timestamp.Format(time.TimeOnly)), describe(ev))
		if ev.Error != nil {
			line += " " + p.errorStyle.Render(ev.Error.Error())
		}
		if p.width > 0 {
			line = ansi.Truncate(line, p.width, "…")
		}
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func describe(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventAgentStateChange:
		return fmt.Sprintf("%s -> %s (%.0f%%)", ev.Agent, ev.State, ev.Confidence*100)
	case orchestrator.EventAgentTerminated:
		return fmt.Sprintf("%s exited with code %d", ev.Agent, ev.ExitCode)
	case orchestrator.EventStepStarted, orchestrator.EventStepCompleted, orchestrator.EventStepFailed:
		return fmt.Sprintf("%s %s/%s on %s", ev.Type, ev.WorkflowID, ev.StepID, ev.Agent)
	case orchestrator.EventMemorySaved, orchestrator.EventCheckpointCreated, orchestrator.EventCheckpointRestored:
		return fmt.Sprintf("%s %s", ev.Type, ev.Key)
	}

	parts := []string{string(ev.Type)}
	if ev.Agent != "" {
		parts = append(parts, ev.Agent)
	}
	if ev.WorkflowID != "" {
		parts = append(parts, ev.WorkflowID)
	}
	if ev.Message != "" {
		parts = append(parts, ev.Message)
	}
	return strings.Join(parts, " ")
}
