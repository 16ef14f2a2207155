package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	scenescheduler "github.com/c360studio/scenegen/processor/scene-scheduler"
	"github.com/c360studio/scenegen/scene"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusStyle(s scene.Status) lipgloss.Style {
	switch s {
	case scene.StatusCompleted:
		return okStyle
	case scene.StatusFailed:
		return errorStyle
	case scene.StatusPending:
		return mutedStyle
	default:
		return warnStyle
	}
}

// renderUpdate formats one progress line.
func renderUpdate(u scenescheduler.Update) string {
	line := fmt.Sprintf("%3.0f%%  unit %d  %s", u.Progress*100, u.Unit.ID,
		statusStyle(u.Unit.Status).Render(string(u.Unit.Status)))
	if u.Notice != "" {
		line += "  " + warnStyle.Render(u.Notice)
	}
	if u.Unit.Status == scene.StatusFailed && u.Unit.LastError != "" {
		line += "  " + mutedStyle.Render(u.Unit.LastError)
	}
	return line
}

// renderManifest formats the end-of-run summary panel.
func renderManifest(m scenescheduler.Manifest) string {
	var b strings.Builder

	title := "Run " + m.RunID
	if m.Cancelled {
		title += " (cancelled)"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s  %s %s  %s %s\n",
		okStyle.Render("succeeded"), joinIDs(m.Succeeded),
		errorStyle.Render("failed"), joinIDs(m.Failed),
		mutedStyle.Render("pending"), joinIDs(m.Pending))

	for _, u := range m.Units {
		fmt.Fprintf(&b, "\n%-4d %s", u.ID, statusStyle(u.Status).Render(string(u.Status)))
		switch {
		case u.VideoArtifact != "":
			b.WriteString("  " + u.VideoArtifact)
		case u.ImageArtifact != "":
			b.WriteString("  " + u.ImageArtifact)
		}
		if msg, ok := m.Errors[u.ID]; ok {
			b.WriteString("  " + mutedStyle.Render(msg))
		}
		if msg, ok := m.Notices[u.ID]; ok {
			b.WriteString("  " + warnStyle.Render(msg))
		}
	}

	return panelStyle.Render(b.String())
}

func joinIDs(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func printManifest(w io.Writer, m scenescheduler.Manifest) {
	fmt.Fprintln(w, renderManifest(m))
}
