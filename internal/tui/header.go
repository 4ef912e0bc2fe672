package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Header renders the title bar.
type Header struct {
	width int

	titleStyle    lipgloss.Style
	subtitleStyle lipgloss.Style
}

// NewHeader creates a new Header.
func NewHeader() *Header {
	return &Header{
		width: 80,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4")),
		subtitleStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true),
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// View renders the header with the spinner frame and agent counts.
func (h *Header) View(spin string, agents, busy int) string {
	title := h.titleStyle.Render("troupe")
	sub := h.subtitleStyle.Render(fmt.Sprintf("%d agents, %d busy", agents, busy))
	line := lipgloss.JoinHorizontal(lipgloss.Left, spin, " ", title, "  ", sub)
	return lipgloss.NewStyle().Width(h.width).PaddingBottom(1).Render(line)
}
