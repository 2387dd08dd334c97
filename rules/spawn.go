package rules

import (
	"math/rand"
	"time"

	"github.com/brensch/dqn2048/game"
)

// Rand is the random source consumed by tile spawning. *rand.Rand satisfies
// it; tests substitute scripted sources.
//
// Spawning draws the cell first (Intn over the empty cells) and then the
// value (Float64 against TwoProbability).
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// SpawnSettings controls new tile values.
type SpawnSettings struct {
	// TwoProbability is the chance a new tile is a 2; otherwise it is a 4.
	TwoProbability float64
}

// DefaultSpawnSettings matches the standard game (90% twos, 10% fours).
var DefaultSpawnSettings = SpawnSettings{TwoProbability: 0.9}

// NewRand returns a time-seeded source for callers that do not need
// reproducibility.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// spawnTile places one tile on a uniformly chosen empty cell and returns its
// index, or -1 when the grid is full.
func spawnTile(g game.Grid, rng Rand, settings SpawnSettings) int {
	empty := g.EmptyCells()
	if len(empty) == 0 {
		return -1
	}
	idx := empty[rng.Intn(len(empty))]
	value := 4
	if rng.Float64() < settings.TwoProbability {
		value = 2
	}
	g.Cells[idx] = value
	return idx
}

// NewGrid returns a size×size grid seeded with two random tiles. A nil rng
// uses ambient entropy.
func NewGrid(size int, rng Rand) (game.Grid, error) {
	g, err := game.NewGrid(size)
	if err != nil {
		return game.Grid{}, err
	}
	if rng == nil {
		rng = NewRand()
	}
	for i := 0; i < 2; i++ {
		spawnTile(g, rng, DefaultSpawnSettings)
	}
	return g, nil
}
