// Package render draws grids for terminals with lipgloss.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/dqn2048/game"
)

// CellWidth is wide enough for five-digit tiles with padding.
const CellWidth = 7

var frame = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("#bbada0"))

func tileStyle(v int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(CellWidth).
		Align(lipgloss.Center).
		Bold(true).
		Background(lipgloss.Color(game.TileColor(v).Hex())).
		Foreground(lipgloss.Color(game.TextColor(v).Hex()))
}

func label(v int) string {
	if v == 0 {
		return "·"
	}
	return strconv.Itoa(v)
}

// Board renders g as a framed block of coloured tiles, one text row per grid
// row.
func Board(g game.Grid) string {
	rows := make([]string, g.Size)
	for r := 0; r < g.Size; r++ {
		cells := make([]string, g.Size)
		for c := 0; c < g.Size; c++ {
			v := g.At(r, c)
			cells[c] = tileStyle(v).Render(label(v))
		}
		rows[r] = lipgloss.JoinHorizontal(lipgloss.Top, cells...)
	}
	return frame.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	bestStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f65e3b"))
)

// QValues lists one line per direction, marking the chosen one.
func QValues(q []float64, chosen game.Direction) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Q-values"))
	for i, v := range q {
		line := fmt.Sprintf("  %-5s %+.4f", game.Direction(i), v)
		if game.Direction(i) == chosen {
			line = bestStyle.Render(line + "  <")
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}
