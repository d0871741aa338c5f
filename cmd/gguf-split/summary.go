package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-gguf/models/gguf/split"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	pathStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D8590"))
)

// renderSummaries renders one line per shard, with the paths aligned.
func renderSummaries(summaries []split.ShardSummary) string {
	width := 0
	for _, s := range summaries {
		width = max(width, lipgloss.Width(s.Path))
	}
	pathColumn := pathStyle.Width(width + 2)
	var sb strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&sb, "  %s%s\n", pathColumn.Render(s.Path),
			mutedStyle.Render(fmt.Sprintf("n_tensors = %d, total_size = %s", s.NumTensors, s.Size)))
	}
	return sb.String()
}
