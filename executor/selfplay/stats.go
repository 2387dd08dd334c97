package selfplay

import (
	"time"

	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/report"
	"github.com/brensch/dqn2048/store"
)

// EpisodeStats summarises one finished game.
type EpisodeStats struct {
	Episode int
	// Score is the sum of all merged tiles.
	Score int
	// TileScore is the sum of every spawned tile, i.e. the final board sum.
	TileScore int
	// Turns counts valid moves only.
	Turns        int
	InvalidMoves int
	InvalidRatio float64
	MaxTile      int
	// Truncated is set when the game hit MaxTurns before ending.
	Truncated bool

	Trained  bool
	MeanLoss float64
	Epsilon  float64
	Beta     float64

	Duration  time.Duration
	EndedAt   time.Time
	FinalGrid game.Grid
}

// Row converts the stats to an archive row.
func (s EpisodeStats) Row(runID string) store.EpisodeRow {
	return store.EpisodeRow{
		RunID:        runID,
		Episode:      int32(s.Episode),
		GridSize:     int32(s.FinalGrid.Size),
		Score:        int64(s.Score),
		TileScore:    int64(s.TileScore),
		Turns:        int32(s.Turns),
		InvalidMoves: int32(s.InvalidMoves),
		InvalidRatio: float32(s.InvalidRatio),
		MaxTile:      int32(s.MaxTile),
		Trained:      s.Trained,
		MeanLoss:     float32(s.MeanLoss),
		Epsilon:      float32(s.Epsilon),
		Beta:         float32(s.Beta),
		DurationMs:   s.Duration.Milliseconds(),
		EndedAtMs:    s.EndedAt.UnixMilli(),
		FinalCells:   store.CellsFromGrid(s.FinalGrid),
		Source:       "train",
	}
}

// history accumulates the per-episode series drawn in training reports.
type history struct {
	h report.History
}

func (h *history) add(s EpisodeStats) {
	h.h.Scores = append(h.h.Scores, float64(s.TileScore))
	h.h.Turns = append(h.h.Turns, float64(s.Turns))
	h.h.InvalidRatios = append(h.h.InvalidRatios, s.InvalidRatio)
	if s.Trained {
		h.h.Losses = append(h.h.Losses, s.MeanLoss)
	}
}

func (h *history) snapshot() report.History {
	return report.History{
		Scores:        append([]float64(nil), h.h.Scores...),
		Losses:        append([]float64(nil), h.h.Losses...),
		Turns:         append([]float64(nil), h.h.Turns...),
		InvalidRatios: append([]float64(nil), h.h.InvalidRatios...),
	}
}
