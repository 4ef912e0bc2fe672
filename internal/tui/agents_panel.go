package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/troupe/pkg/models"
)

// AgentsPanel displays one row per agent.
type AgentsPanel struct {
	agents []models.AgentInfo
	width  int

	titleStyle  lipgloss.Style
	headStyle   lipgloss.Style
	emptyStyle  lipgloss.Style
	statusStyle map[models.AgentStatus]lipgloss.Style
}

// NewAgentsPanel creates a new AgentsPanel instance.
func NewAgentsPanel() *AgentsPanel {
	return &AgentsPanel{
		width: 80,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		headStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),

		emptyStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),

		statusStyle: map[models.AgentStatus]lipgloss.Style{
			models.AgentStatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			models.AgentStatusBusy:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.AgentStatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			models.AgentStatusOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// SetAgents replaces the displayed agents.
func (p *AgentsPanel) SetAgents(agents []models.AgentInfo) {
	p.agents = agents
}

// SetWidth updates the panel width.
func (p *AgentsPanel) SetWidth(width int) {
	p.width = width
}

// BusyCount returns the number of busy agents.
func (p *AgentsPanel) BusyCount() int {
	n := 0
	for _, a := range p.agents {
		if a.Status == models.AgentStatusBusy {
			n++
		}
	}
	return n
}

// AgentCount returns the total number of agents.
func (p *AgentsPanel) AgentCount() int {
	return len(p.agents)
}

// View renders the agents table.
func (p *AgentsPanel) View() string {
	var b strings.Builder
	b.WriteString(p.titleStyle.Render("Agents"))
	b.WriteString("\n")

	if len(p.agents) == 0 {
		b.WriteString(p.emptyStyle.Render("  No agents"))
		return b.String()
	}

	b.WriteString(p.headStyle.Render(fmt.Sprintf("  %-16s %-8s %-8s %-12s %5s  %s", "NAME", "TYPE", "STATUS", "STATE", "DONE", "TASK")))
	b.WriteString("\n")
	for _, a := range p.agents {
		status := fmt.Sprintf("%-8s", a.Status)
		if style, ok := p.statusStyle[a.Status]; ok {
			status = style.Render(status)
		}
		state := fmt.Sprintf("%s %.0f%%", a.State, a.Confidence*100)
		row := fmt.Sprintf("  %-16s %-8s %s %-12s %5d  %s",
			ansi.Truncate(a.Name, 16, "…"),
			a.Type,
			status,
			state,
			a.Metrics.TasksCompleted,
			a.CurrentTask,
		)
		if p.width > 0 {
			row = ansi.Truncate(row, p.width, "…")
		}
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}
