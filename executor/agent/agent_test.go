package agent

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/executor/replay"
	"github.com/brensch/dqn2048/game"
	"github.com/brensch/dqn2048/rules"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, size int, seed int64, mutate func(*Hyperparameters)) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.GridSize = size
	cfg.Hyper.MemoryCapacity = 64
	cfg.Rand = rand.New(rand.NewSource(seed))
	if mutate != nil {
		mutate(&cfg.Hyper)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

// fixedPredictor returns the same Q-values for every grid.
type fixedPredictor []float64

func (f fixedPredictor) Predict(game.Grid) ([]float64, error) { return f, nil }

// fillMemory plays random moves and stores every transition.
func fillMemory(t *testing.T, a *Agent, n int, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	b, err := rules.NewBoard(a.Config().GridSize, rng)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		if b.Done() {
			b, err = rules.NewBoard(a.Config().GridSize, rng)
			require.NoError(t, err)
		}
		state := b.Grid()
		d := game.AllDirections[rng.Intn(game.NumDirections)]
		out, err := b.Move(d)
		require.NoError(t, err)
		a.Remember(replay.Transition{State: state, Action: d, Reward: out.Reward, NextState: out.Grid, Done: out.Done})
	}
}

func TestHyperparameters_Validate(t *testing.T) {
	require.NoError(t, DefaultHyperparameters().Validate())

	cases := map[string]func(*Hyperparameters){
		"epsilon above one":    func(h *Hyperparameters) { h.Epsilon = 1.5 },
		"negative epsilon min": func(h *Hyperparameters) { h.EpsilonMin = -0.1 },
		"decay above one":      func(h *Hyperparameters) { h.EpsilonDecay = 1.01 },
		"gamma nan":            func(h *Hyperparameters) { h.Gamma = math.NaN() },
		"alpha above one":      func(h *Hyperparameters) { h.Alpha = 2 },
		"negative beta":        func(h *Hyperparameters) { h.Beta = -1 },
		"zero learning rate":   func(h *Hyperparameters) { h.LearningRate = 0 },
		"zero capacity":        func(h *Hyperparameters) { h.MemoryCapacity = 0 },
		"negative grad clip":   func(h *Hyperparameters) { h.GradClip = -1 },
		"grad clip nan":        func(h *Hyperparameters) { h.GradClip = math.NaN() },
		"beta increment nan":   func(h *Hyperparameters) { h.BetaIncrement = math.NaN() },
		"abs error upper nan":  func(h *Hyperparameters) { h.AbsErrorUpper = math.NaN() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg.Hyper)
			_, err := New(cfg)
			require.ErrorIs(t, err, game.ErrInvalidConfiguration)
		})
	}

	cfg := DefaultConfig()
	cfg.GridSize = 1
	_, err := New(cfg)
	require.ErrorIs(t, err, game.ErrInvalidConfiguration)
}

func TestGreedy_MasksInvalidDirections(t *testing.T) {
	g := game.MustFromRows([][]int{{2, 0}, {0, 0}})
	p := fixedPredictor{0.1, 0.9, 0.5, 0.7}

	d, q, err := Greedy(p, g, nil)
	require.NoError(t, err)
	require.Equal(t, game.Down, d)
	require.Equal(t, []float64(p), q)

	d, _, err = Greedy(p, g, []game.Direction{game.Down})
	require.NoError(t, err)
	require.Equal(t, game.Up, d)

	d, _, err = Greedy(p, g, []game.Direction{game.Down, game.Up, game.Right})
	require.NoError(t, err)
	require.Equal(t, game.Left, d)

	// Everything invalid: the mask is ignored.
	d, _, err = Greedy(p, g, game.AllDirections[:])
	require.NoError(t, err)
	require.Equal(t, game.Down, d)

	_, _, err = Greedy(fixedPredictor{1, 2}, g, nil)
	require.ErrorIs(t, err, qnet.ErrModelMismatch)
}

func TestAct_NeverPicksInvalidMove(t *testing.T) {
	a := newTestAgent(t, 4, 1, func(h *Hyperparameters) { h.Epsilon = 0.5 })
	rng := rand.New(rand.NewSource(2))
	b, err := rules.NewBoard(4, rng)
	require.NoError(t, err)

	for step := 0; step < 300; step++ {
		if b.Done() {
			b, err = rules.NewBoard(4, rng)
			require.NoError(t, err)
		}
		invalid := b.InvalidActions()
		d, err := a.Act(b.Grid(), invalid)
		require.NoError(t, err)
		require.NotContains(t, invalid, d)
		_, err = b.Move(d)
		require.NoError(t, err)
	}
}

func TestAct_EpsilonOneExploresValidMoves(t *testing.T) {
	a := newTestAgent(t, 4, 3, func(h *Hyperparameters) { h.Epsilon = 1 })
	g := game.MustFromRows([][]int{
		{2, 0, 0, 0},
		{4, 0, 0, 0},
		{8, 0, 0, 0},
		{16, 0, 0, 0},
	})
	invalid := rules.InvalidActions(g)
	require.Equal(t, []game.Direction{game.Left, game.Down, game.Up}, invalid)
	for i := 0; i < 50; i++ {
		d, err := a.Act(g, invalid)
		require.NoError(t, err)
		require.Equal(t, game.Right, d)
	}
}

func TestAct_GreedyMatchesOnlineNetwork(t *testing.T) {
	a := newTestAgent(t, 4, 4, nil)
	a.SetEpsilon(0)
	g := game.MustFromRows([][]int{
		{2, 2, 0, 0},
		{0, 4, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 0, 8},
	})
	want, _, err := Greedy(a.Online(), g, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d, err := a.Act(g, nil)
		require.NoError(t, err)
		require.Equal(t, want, d)
	}
}

func TestReplay_EmptyMemory(t *testing.T) {
	a := newTestAgent(t, 4, 1, nil)
	_, err := a.Replay(8)
	require.ErrorIs(t, err, replay.ErrInsufficientExperience)
	require.Equal(t, 0.15, a.Epsilon())
}

func TestReplay_DecaysEpsilonAndRewritesPriorities(t *testing.T) {
	a := newTestAgent(t, 4, 5, nil)
	fillMemory(t, a, 40, 6)
	beta := a.Beta()

	loss, err := a.Replay(8)
	require.NoError(t, err)
	require.GreaterOrEqual(t, loss, 0.0)
	require.InDelta(t, 0.15*0.999, a.Epsilon(), 1e-12)
	require.InDelta(t, beta+0.001, a.Beta(), 1e-12)
	require.Equal(t, []float64{loss}, a.Losses())

	tree := a.Memory().Tree()
	require.NoError(t, tree.CheckInvariant())
	changed := 0
	for leaf := 0; leaf < tree.Len(); leaf++ {
		if tree.Priority(leaf) != 1.0 {
			changed++
		}
	}
	require.Greater(t, changed, 0)
}

func TestReplay_EpsilonFloor(t *testing.T) {
	a := newTestAgent(t, 2, 7, func(h *Hyperparameters) {
		h.Epsilon = 0.0011
		h.EpsilonDecay = 0.5
	})
	fillMemory(t, a, 10, 8)
	for i := 0; i < 3; i++ {
		_, err := a.Replay(2)
		require.NoError(t, err)
	}
	require.Equal(t, 0.001, a.Epsilon())
}

func TestBootstrap(t *testing.T) {
	a := newTestAgent(t, 4, 9, nil)
	state := game.MustFromRows([][]int{
		{2, 0, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 4, 0},
		{0, 0, 0, 0},
	})
	next := game.MustFromRows([][]int{
		{0, 0, 0, 2},
		{0, 0, 0, 0},
		{0, 0, 0, 4},
		{0, 0, 2, 0},
	})

	y, err := a.bootstrap(replay.Transition{State: state, Action: game.Right, Reward: 0.25, NextState: next, Done: true})
	require.NoError(t, err)
	require.Equal(t, 0.25, y)

	q, err := a.Target().Predict(next)
	require.NoError(t, err)
	best := math.Max(math.Max(q[0], q[1]), math.Max(q[2], q[3]))
	y, err = a.bootstrap(replay.Transition{State: state, Action: game.Right, Reward: 0.25, NextState: next})
	require.NoError(t, err)
	require.InDelta(t, 0.25+0.9*best, y, 1e-12)
}

func TestReplay_TargetOnlyMovesOnSync(t *testing.T) {
	a := newTestAgent(t, 4, 10, nil)
	g := game.MustFromRows([][]int{
		{2, 4, 0, 0},
		{0, 0, 0, 0},
		{0, 0, 8, 0},
		{0, 0, 0, 2},
	})
	online0, _ := a.Online().Predict(g)
	target0, _ := a.Target().Predict(g)
	require.Equal(t, online0, target0, "target synced at construction")

	fillMemory(t, a, 30, 11)
	_, err := a.Replay(8)
	require.NoError(t, err)

	online1, _ := a.Online().Predict(g)
	target1, _ := a.Target().Predict(g)
	require.NotEqual(t, online0, online1)
	require.Equal(t, target0, target1)

	require.NoError(t, a.UpdateTargetModel())
	target2, _ := a.Target().Predict(g)
	require.Equal(t, online1, target2)
}

func TestReplay_ImportanceWeightingUniformPrioritiesIsNoop(t *testing.T) {
	plain := newTestAgent(t, 2, 12, nil)
	weighted := newTestAgent(t, 2, 12, func(h *Hyperparameters) { h.ImportanceWeighting = true })
	fillMemory(t, plain, 20, 13)
	fillMemory(t, weighted, 20, 13)

	// Every stored priority is AbsErrorUpper, so every weight is exactly 1.
	lp, err := plain.Replay(4)
	require.NoError(t, err)
	lw, err := weighted.Replay(4)
	require.NoError(t, err)
	require.Equal(t, lp, lw)

	g := game.MustFromRows([][]int{{2, 0}, {0, 4}})
	qp, _ := plain.Online().Predict(g)
	qw, _ := weighted.Online().Predict(g)
	require.Equal(t, qp, qw)
}

func TestSaveLoad_SameActions(t *testing.T) {
	a := newTestAgent(t, 4, 14, nil)
	fillMemory(t, a, 30, 15)
	_, err := a.Replay(8)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ckpt", "agent.gob")
	require.NoError(t, a.Save(path))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be renamed away")

	b := newTestAgent(t, 4, 99, nil)
	require.NoError(t, b.Load(path))
	a.SetEpsilon(0)
	b.SetEpsilon(0)

	rng := rand.New(rand.NewSource(16))
	for i := 0; i < 20; i++ {
		g, err := rules.NewGrid(4, rng)
		require.NoError(t, err)
		invalid := rules.InvalidActions(g)
		da, err := a.Act(g, invalid)
		require.NoError(t, err)
		db, err := b.Act(g, invalid)
		require.NoError(t, err)
		require.Equal(t, da, db)
	}

	qOnline, _ := b.Online().Predict(game.MustFromRows([][]int{{2, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 2}}))
	qTarget, _ := b.Target().Predict(game.MustFromRows([][]int{{2, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 0}, {0, 0, 0, 2}}))
	require.Equal(t, qOnline, qTarget, "load syncs the target")
}

func TestLoad_Mismatch(t *testing.T) {
	small := newTestAgent(t, 3, 1, nil)
	path := filepath.Join(t.TempDir(), "small.gob")
	require.NoError(t, small.Save(path))

	big := newTestAgent(t, 4, 1, nil)
	require.ErrorIs(t, big.Load(path), qnet.ErrModelMismatch)

	cfg := DefaultConfig()
	cfg.GridSize = 3
	cfg.Encoding = convert.Log2
	cfg.Hyper.MemoryCapacity = 8
	logAgent, err := New(cfg)
	require.NoError(t, err)
	require.ErrorIs(t, logAgent.Load(path), qnet.ErrModelMismatch)

	require.Error(t, big.Load(filepath.Join(t.TempDir(), "missing.gob")))
}
