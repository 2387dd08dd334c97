package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/dqn2048/executor/selfplay"
	"github.com/brensch/dqn2048/render"
	"github.com/brensch/dqn2048/report"
)

const recentEpisodes = 10

type trainerClosedMsg struct{}

type TickMsg time.Time

type dashboard struct {
	runID     string
	updates   <-chan selfplay.Snapshot
	cancel    context.CancelFunc
	startTime time.Time

	last    selfplay.Snapshot
	scores  []float64
	recent  []string
	status  string
	stopped bool
}

func newDashboard(runID string, updates <-chan selfplay.Snapshot, cancel context.CancelFunc) dashboard {
	return dashboard{
		runID:     runID,
		updates:   updates,
		cancel:    cancel,
		startTime: time.Now(),
		status:    "warming up",
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForUpdate(updates <-chan selfplay.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return trainerClosedMsg{}
		}
		return snap
	}
}

func (m dashboard) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			m.stopped = true
			return m, tea.Quit
		}
	case TickMsg:
		return m, tickCmd()
	case trainerClosedMsg:
		m.stopped = true
		return m, tea.Quit
	case selfplay.Snapshot:
		m.last = msg
		m.status = msg.Status
		if msg.Status == selfplay.StatusEpisodeComplete {
			s := msg.Stats
			m.scores = append(m.scores, float64(s.TileScore))
			line := fmt.Sprintf("#%-6d score %6d  v2 %6d  turns %5d  tile %5d", s.Episode, s.Score, s.TileScore, s.Turns, s.MaxTile)
			if s.Trained {
				line += fmt.Sprintf("  loss %.5f", s.MeanLoss)
			}
			m.recent = append([]string{line}, m.recent...)
			if len(m.recent) > recentEpisodes {
				m.recent = m.recent[:recentEpisodes]
			}
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#edc22e"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8f8f8f"))
	panelStyle = lipgloss.NewStyle().PaddingLeft(2)
)

func (m dashboard) View() string {
	duration := time.Since(m.startTime)
	episodesPerMin := 0.0
	if duration.Seconds() >= 1 {
		episodesPerMin = float64(m.last.EpisodesCompleted) / duration.Minutes()
	}
	meanScore := 0.0
	if n := len(m.scores); n > 0 {
		meanScore = report.RollingMean(m.scores, 20)[n-1]
	}
	s := m.last.Stats

	stat := func(name string, value any) string {
		return labelStyle.Render(fmt.Sprintf("%-16s", name)) + fmt.Sprint(value) + "\n"
	}
	var b strings.Builder
	b.WriteString(stat("Run", m.runID))
	b.WriteString(stat("Status", m.status))
	b.WriteString(stat("Episodes", m.last.EpisodesCompleted))
	b.WriteString(stat("Episodes/min", fmt.Sprintf("%.1f", episodesPerMin)))
	b.WriteString(stat("Duration", duration.Round(time.Second)))
	b.WriteString(stat("Mean score (20)", fmt.Sprintf("%.1f", meanScore)))
	b.WriteString(stat("Best score", m.last.BestScore))
	b.WriteString(stat("Best tile", m.last.BestTile))
	b.WriteString(stat("Epsilon", fmt.Sprintf("%.4f", s.Epsilon)))
	b.WriteString(stat("Beta", fmt.Sprintf("%.4f", s.Beta)))
	b.WriteString(stat("Memory", m.last.MemorySize))
	if m.last.Checkpoint != "" {
		b.WriteString(stat("Checkpoint", m.last.Checkpoint))
	}

	board := ""
	if s.FinalGrid.Size > 0 {
		board = render.Board(s.FinalGrid)
	}
	top := lipgloss.JoinHorizontal(lipgloss.Top, board, panelStyle.Render(b.String()))

	out := titleStyle.Render("2048 DQN training") + "\n\n" + top + "\n\nRecent episodes:\n"
	for _, line := range m.recent {
		out += line + "\n"
	}
	if m.stopped {
		return out + "\nStopping...\n"
	}
	return out + "\nPress q to quit.\n"
}
