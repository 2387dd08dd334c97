package main

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/rules"
)

type fixedPredictor []float64

func (f fixedPredictor) Predict(game.Grid) ([]float64, error) { return f, nil }

func TestWeightedPolicy_FollowsWeights(t *testing.T) {
	p := weightedPolicy{rng: rand.New(rand.NewSource(1)), weights: randomWeights}
	var counts [game.NumDirections]int
	const n = 20000
	for i := 0; i < n; i++ {
		d, q, err := p.choose(nil)
		require.NoError(t, err)
		require.Nil(t, q)
		counts[d]++
	}
	require.InDelta(t, 0.9, float64(counts[game.Left])/n, 0.01)
	require.InDelta(t, 0.1, float64(counts[game.Up])/n, 0.01)
	require.Less(t, counts[game.Right], counts[game.Down])
}

func TestPlay_GreedyFinishes(t *testing.T) {
	b, err := rules.NewBoard(2, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, play(b, greedyPolicy{model: fixedPredictor{4, 3, 2, 1}}, &out, 0, 1000))
	require.True(t, b.IsTerminal())
	// The greedy policy never wastes a move.
	require.Zero(t, b.InvalidMoves())
	require.Contains(t, out.String(), "Q-values")
}

func TestPlay_RandomRespectsTurnCap(t *testing.T) {
	b, err := rules.NewBoard(4, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	p := weightedPolicy{rng: rand.New(rand.NewSource(6)), weights: randomWeights}
	require.NoError(t, play(b, p, io.Discard, 0, 25))
	require.LessOrEqual(t, b.Turns(), 25)
}
