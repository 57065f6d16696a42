package supervisor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	approvalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	streamStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("135"))
)

// BuildDisplayLines renders the shared status view: one block per agent in
// start order, then the recent-activity log tail.
func (s *Supervisor) BuildDisplayLines(spinner string) []string {
	var lines []string
	for _, agent := range s.Agents() {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", agent.Label(), agent.status(), spinner))
		if entry := s.OldestApprovalFor(agent.ThreadID); entry != nil {
			lines = append(lines, "  approval: "+s.DescribeApproval(entry))
		}
		if agent.recentCommands.empty() {
			lines = append(lines, "  -")
		} else {
			for _, cmd := range agent.recentCommands.tail(recentRingSize) {
				lines = append(lines, "  "+cmd)
			}
		}
		if agent.LastMessage != "" {
			lines = append(lines, "  last message:")
			for i, line := range strings.Split(agent.LastMessage, "\n") {
				if i == 3 {
					break
				}
				lines = append(lines, "  "+line)
			}
		}
		if !agent.recentStream.empty() {
			lines = append(lines, "  stream:")
			for _, entry := range agent.recentStream.tail(recentRingSize) {
				lines = append(lines, "  "+entry)
			}
		}
		lines = append(lines, "")
	}
	if !s.recentLogs.empty() {
		lines = append(lines, "Logs:")
		for _, entry := range s.recentLogs.tail(5) {
			lines = append(lines, "  "+entry)
		}
	}
	return lines
}

// StatusStrip renders the one-line fleet summary: per agent its index, a
// state glyph ("!" pending approval, "✓" done, "." running), the queued
// prompt count, and its name.
func (s *Supervisor) StatusStrip() string {
	var parts []string
	for _, agent := range s.Agents() {
		glyph := "."
		if s.OldestApprovalFor(agent.ThreadID) != nil {
			glyph = "!"
		} else if agent.Done {
			glyph = "✓"
		}
		label := strconv.Itoa(agent.Index) + glyph
		if n := agent.QueuedPrompts(); n > 0 {
			label += "+" + strconv.Itoa(n)
		}
		if agent.Name != "" {
			label += ":" + agent.Name
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "  ")
}

// StatusBlock renders the plain-mode status text, styled when color is on.
func (s *Supervisor) StatusBlock(spinner string, color bool) string {
	var lines []string
	for _, agent := range s.Agents() {
		header := fmt.Sprintf("%s [%s] %s", agent.Label(), agent.status(), spinner)
		lines = append(lines, stylize(header, headerStyle, color))
		if entry := s.OldestApprovalFor(agent.ThreadID); entry != nil {
			lines = append(lines, stylize("  approval: "+s.DescribeApproval(entry), approvalStyle, color))
		}
		if agent.recentCommands.empty() {
			lines = append(lines, "  -")
		} else {
			for _, cmd := range agent.recentCommands.tail(recentRingSize) {
				lines = append(lines, "  "+cmd)
			}
		}
		if agent.LastMessage != "" {
			lines = append(lines, stylize("  last message:", dimStyle, color))
			for i, line := range strings.Split(agent.LastMessage, "\n") {
				if i == 3 {
					break
				}
				lines = append(lines, "  "+line)
			}
		}
	}
	for _, agent := range s.Agents() {
		if agent.recentStream.empty() {
			continue
		}
		lines = append(lines, "")
		lines = append(lines, stylize(fmt.Sprintf("Agent %d stream:", agent.Index), streamStyle, color))
		for _, entry := range agent.recentStream.tail(recentRingSize) {
			lines = append(lines, "  "+entry)
		}
	}
	return strings.Join(lines, "\n")
}

func stylize(text string, style lipgloss.Style, enable bool) string {
	if !enable {
		return text
	}
	return style.Render(text)
}
