package rules

import (
	"github.com/brensch/dqn2048/game"
)

// Board is a game in progress: a grid plus the random source that feeds its
// spawns and the running statistics presentation code shows.
//
// A Board is not safe for concurrent use.
type Board struct {
	grid game.Grid
	rng  Rand

	score        int
	tileScore    int
	turns        int
	invalidMoves int
	lastSpawn    int
	done         bool
}

// NewBoard starts a game on a size×size grid. A nil rng uses ambient entropy.
func NewBoard(size int, rng Rand) (*Board, error) {
	if rng == nil {
		rng = NewRand()
	}
	g, err := game.NewGrid(size)
	if err != nil {
		return nil, err
	}
	b := &Board{grid: g, rng: rng, lastSpawn: -1}
	for i := 0; i < 2; i++ {
		b.lastSpawn = spawnTile(b.grid, rng, DefaultSpawnSettings)
	}
	b.tileScore = b.grid.Sum()
	return b, nil
}

// Move applies d and records the outcome.
func (b *Board) Move(d game.Direction) (Outcome, error) {
	out, err := Move(b.grid, d, b.rng)
	if err != nil {
		return Outcome{}, err
	}
	b.turns++
	if out.Invalid {
		b.invalidMoves++
	} else {
		b.grid = out.Grid.Clone()
		b.score += out.Score
		b.lastSpawn = out.Spawned
		if out.Spawned >= 0 {
			b.tileScore += out.Grid.Cells[out.Spawned]
		}
	}
	b.done = out.Done
	return out, nil
}

// Grid returns a copy of the current grid.
func (b *Board) Grid() game.Grid { return b.grid.Clone() }

func (b *Board) Size() int { return b.grid.Size }

func (b *Board) IsTerminal() bool { return IsTerminal(b.grid) }

func (b *Board) ValidActions() []game.Direction { return ValidActions(b.grid) }

func (b *Board) InvalidActions() []game.Direction { return InvalidActions(b.grid) }

// Done reports whether the last move ended the game.
func (b *Board) Done() bool { return b.done }

// Score is the sum of all tiles created by merges so far.
func (b *Board) Score() int { return b.score }

// TileScore is the sum of the face values of every spawned tile, which equals
// the current board sum.
func (b *Board) TileScore() int { return b.tileScore }

// Turns counts every Move call, including invalid ones.
func (b *Board) Turns() int { return b.turns }

func (b *Board) InvalidMoves() int { return b.invalidMoves }

// LastSpawn is the cell index of the most recent spawn, or -1.
func (b *Board) LastSpawn() int { return b.lastSpawn }

func (b *Board) MaxTile() int { return b.grid.MaxTile() }
