// Package store archives training runs as Parquet: one row per finished
// episode and, optionally, one row per move.
package store

import (
	"github.com/brensch/dqn2048/game"
)

// EpisodeRow summarises one finished training or play episode.
//
// Score is the cumulative merge score; TileScore is the sum of every
// spawned tile, which equals the final board sum. MeanLoss is only
// meaningful when Trained is set.
type EpisodeRow struct {
	RunID        string  `parquet:"run_id,dict"`
	Episode      int32   `parquet:"episode"`
	GridSize     int32   `parquet:"grid_size"`
	Score        int64   `parquet:"score"`
	TileScore    int64   `parquet:"tile_score"`
	Turns        int32   `parquet:"turns"`
	InvalidMoves int32   `parquet:"invalid_moves"`
	InvalidRatio float32 `parquet:"invalid_ratio"`
	MaxTile      int32   `parquet:"max_tile"`
	Trained      bool    `parquet:"trained"`
	MeanLoss     float32 `parquet:"mean_loss"`
	Epsilon      float32 `parquet:"epsilon"`
	Beta         float32 `parquet:"beta"`
	DurationMs   int64   `parquet:"duration_ms"`
	EndedAtMs    int64   `parquet:"ended_at_ms"`
	// FinalCells is the final grid, row-major.
	FinalCells []int32 `parquet:"final_cells"`
	Source     string  `parquet:"source,dict"`
}

// MoveRow is a single (episode, turn) step.
//
// Action follows the network output order: 0=left, 1=down, 2=right, 3=up.
// QValues is empty for moves not chosen by a network.
type MoveRow struct {
	RunID   string    `parquet:"run_id,dict"`
	Episode int32     `parquet:"episode"`
	Turn    int32     `parquet:"turn"`
	Cells   []int32   `parquet:"cells"`
	Action  int32     `parquet:"action"`
	Reward  float32   `parquet:"reward"`
	Score   int32     `parquet:"score"`
	Invalid bool      `parquet:"invalid"`
	Done    bool      `parquet:"done"`
	Spawned int32     `parquet:"spawned"`
	QValues []float32 `parquet:"q_values"`
}

// CellsFromGrid converts a grid to the archived representation.
func CellsFromGrid(g game.Grid) []int32 {
	out := make([]int32, len(g.Cells))
	for i, v := range g.Cells {
		out[i] = int32(v)
	}
	return out
}

// GridFromCells rebuilds a grid; the cell count must be a perfect square.
func GridFromCells(cells []int32) (game.Grid, error) {
	size := 0
	for size*size < len(cells) {
		size++
	}
	g, err := game.NewGrid(size)
	if err != nil {
		return game.Grid{}, err
	}
	if size*size != len(cells) {
		return game.Grid{}, game.ErrInvalidConfiguration
	}
	for i, v := range cells {
		g.Cells[i] = int(v)
	}
	if err := g.Validate(); err != nil {
		return game.Grid{}, err
	}
	return g, nil
}
