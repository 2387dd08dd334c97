package rules

import (
	"fmt"
	"math"

	"github.com/brensch/dqn2048/game"
)

// InvalidMoveReward is paid for a move that leaves the grid unchanged.
const InvalidMoveReward = -1.0

// Outcome is the result of applying one move.
type Outcome struct {
	Grid game.Grid
	// Reward is log2(1+Score)/16 for a valid move, InvalidMoveReward otherwise.
	Reward float64
	// Score is the sum of the tiles created by merges during this move.
	Score   int
	Done    bool
	Invalid bool
	// Spawned is the cell index of the tile added after the move, or -1.
	Spawned int
}

// Slide applies the merge pass for d without spawning. The grid is rotated
// clockwise int(d) times so every direction becomes a slide to the left, each
// row is merged, and the grid is rotated back. changed reports whether any
// cell moved or merged.
func Slide(g game.Grid, d game.Direction) (out game.Grid, score int, changed bool, err error) {
	if !d.Valid() {
		return game.Grid{}, 0, false, fmt.Errorf("%w: %d", game.ErrInvalidDirection, int(d))
	}
	n := g.Size
	out = g.Clone()
	scratch := make([]int, len(out.Cells))

	turns := int(d)
	for i := 0; i < turns; i++ {
		rotateClockwise(out.Cells, n, scratch)
	}

	buf := scratch[:0]
	for r := 0; r < n; r++ {
		rowScore, rowChanged := mergeRow(out.Cells[r*n:(r+1)*n], buf)
		score += rowScore
		changed = changed || rowChanged
	}

	for i := 0; i < (4-turns)%4; i++ {
		rotateClockwise(out.Cells, n, scratch)
	}
	return out, score, changed, nil
}

// mergeRow slides row to the left in place. Each tile merges at most once.
func mergeRow(row []int, buf []int) (score int, changed bool) {
	buf = buf[:0]
	for _, v := range row {
		if v != 0 {
			buf = append(buf, v)
		}
	}

	out := 0
	for i := 0; i < len(buf); i++ {
		v := buf[i]
		if i+1 < len(buf) && buf[i+1] == v {
			v *= 2
			score += v
			i++
		}
		if row[out] != v {
			changed = true
		}
		row[out] = v
		out++
	}
	for ; out < len(row); out++ {
		if row[out] != 0 {
			changed = true
		}
		row[out] = 0
	}
	return score, changed
}

// rotateClockwise rotates an n×n row-major board a quarter turn in place.
func rotateClockwise(cells []int, n int, scratch []int) {
	scratch = scratch[:len(cells)]
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			scratch[c*n+(n-1-r)] = cells[r*n+c]
		}
	}
	copy(cells, scratch)
}

// Move applies d to g and spawns one tile if the grid changed. g is never
// modified and rng is only consumed when a tile is spawned.
func Move(g game.Grid, d game.Direction, rng Rand) (Outcome, error) {
	next, score, changed, err := Slide(g, d)
	if err != nil {
		return Outcome{}, err
	}

	if !changed {
		return Outcome{
			Grid:    g.Clone(),
			Reward:  InvalidMoveReward,
			Done:    IsTerminal(g),
			Invalid: true,
			Spawned: -1,
		}, nil
	}

	spawned := -1
	if !IsTerminal(next) {
		spawned = spawnTile(next, rng, DefaultSpawnSettings)
	}
	next.MustValidate()

	return Outcome{
		Grid:    next,
		Reward:  ScoreReward(score),
		Score:   score,
		Done:    IsTerminal(next),
		Spawned: spawned,
	}, nil
}

// ScoreReward maps a merge score to the training reward.
func ScoreReward(score int) float64 {
	return math.Log2(1+float64(score)) / 16
}

// IsTerminal returns true if no cell is empty and no two orthogonal
// neighbours are equal.
func IsTerminal(g game.Grid) bool {
	n := g.Size
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			v := g.Cells[r*n+c]
			if v == 0 {
				return false
			}
			if r+1 < n && g.Cells[(r+1)*n+c] == v {
				return false
			}
			if c+1 < n && g.Cells[r*n+c+1] == v {
				return false
			}
		}
	}
	return true
}

// ValidActions returns the directions that change the grid, in canonical order.
func ValidActions(g game.Grid) []game.Direction {
	moves := make([]game.Direction, 0, game.NumDirections)
	for _, d := range game.AllDirections {
		if _, _, changed, _ := Slide(g, d); changed {
			moves = append(moves, d)
		}
	}
	return moves
}

// InvalidActions is the complement of ValidActions.
func InvalidActions(g game.Grid) []game.Direction {
	moves := make([]game.Direction, 0, game.NumDirections)
	for _, d := range game.AllDirections {
		if _, _, changed, _ := Slide(g, d); !changed {
			moves = append(moves, d)
		}
	}
	return moves
}
