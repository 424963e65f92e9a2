package agent

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// titleStyle for bold headers
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("160"))

	// dimStyle for muted labels
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	// boxStyle for the run summary box
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("160")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81")).
			Bold(true)
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderSummary writes a boxed, human-oriented summary of r.
func RenderSummary(w io.Writer, r RunResult) {
	status := successStyle.Render("OK")
	if r.Code() != 0 {
		status = errorStyle.Render(fmt.Sprintf("EXIT %d", r.Code()))
	}

	costStr := dimStyle.Render("N/A")
	if r.TotalCost != nil {
		costStr = fmt.Sprintf("$%.4f", *r.TotalCost)
	}

	header := fmt.Sprintf("%s %s  %s %.1fs  %s",
		dimStyle.Render("Agent:"), titleStyle.Render(r.Agent),
		dimStyle.Render("Duration:"), r.RuntimeSeconds,
		status,
	)
	calls := fmt.Sprintf("%s %s  %s %s  %s %s",
		dimStyle.Render("LLM calls:"), countOrNA(r.LLMCalls),
		dimStyle.Render("Tool calls:"), countOrNA(r.ToolCalls),
		dimStyle.Render("Cost:"), costStr,
	)

	lines := []string{header, calls}
	for _, model := range r.ModelsUsage.Models() {
		u := r.ModelsUsage[model]
		lines = append(lines, fmt.Sprintf("%s %s in %s %s out %s %s total",
			nameStyle.Render(model),
			formatNumber(u.PromptTokens), dimStyle.Render("->"),
			formatNumber(u.CompletionTokens), dimStyle.Render("="),
			formatNumber(u.TotalTokens),
		))
	}
	if r.TrajectoryPath != nil {
		lines = append(lines, dimStyle.Render("Trace: "+*r.TrajectoryPath))
	}

	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
	if r.Response != nil {
		fmt.Fprintln(w, *r.Response)
	}
}

// RenderAgents writes one line per adapter with its display name and
// media capabilities.
func RenderAgents(w io.Writer, adapters []Adapter) {
	for _, a := range adapters {
		caps := a.Capabilities()
		var media []string
		if caps.Images {
			media = append(media, "images")
		}
		if caps.Videos {
			media = append(media, "videos")
		}
		mediaStr := dimStyle.Render("text only")
		if len(media) > 0 {
			mediaStr = strings.Join(media, ", ")
		}
		fmt.Fprintf(w, "%-12s %-28s %s\n", nameStyle.Render(a.Name()), a.Display(), mediaStr)
	}
}

func countOrNA(n *int) string {
	if n == nil {
		return dimStyle.Render("N/A")
	}
	return formatNumber(*n)
}

// formatNumber adds thousands separators.
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
