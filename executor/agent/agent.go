// Package agent is the double-DQN learner: an online network that acts and
// trains, a target network that bootstraps, and a prioritized replay memory
// whose priorities are refreshed from each update's TD errors.
package agent

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/executor/replay"
	"github.com/brensch/dqn2048/game"
)

// Predictor scores a grid with one Q-value per direction, in direction order.
type Predictor interface {
	Predict(grid game.Grid) ([]float64, error)
}

// Greedy picks the highest scoring direction not listed in invalid. When
// every direction is invalid the mask is ignored. Ties go to the earlier
// direction. The raw Q-values are returned alongside.
func Greedy(p Predictor, grid game.Grid, invalid []game.Direction) (game.Direction, []float64, error) {
	q, err := p.Predict(grid)
	if err != nil {
		return 0, nil, err
	}
	if len(q) != game.NumDirections {
		return 0, nil, fmt.Errorf("%w: predictor returned %d values", qnet.ErrModelMismatch, len(q))
	}
	masked := append([]float64(nil), q...)
	if len(invalid) < game.NumDirections {
		for _, d := range invalid {
			if d.Valid() {
				masked[d] = math.Inf(-1)
			}
		}
	}
	best := 0
	for i := 1; i < len(masked); i++ {
		if masked[i] > masked[best] {
			best = i
		}
	}
	return game.Direction(best), q, nil
}

func validFrom(invalid []game.Direction) []game.Direction {
	var blocked [game.NumDirections]bool
	for _, d := range invalid {
		if d.Valid() {
			blocked[d] = true
		}
	}
	valid := make([]game.Direction, 0, game.NumDirections)
	for _, d := range game.AllDirections {
		if !blocked[d] {
			valid = append(valid, d)
		}
	}
	return valid
}

// Agent is not safe for concurrent use.
type Agent struct {
	cfg   Config
	hyper Hyperparameters

	online *qnet.Network
	target *qnet.Network
	opt    *qnet.RMSProp
	memory *replay.Memory
	rng    *rand.Rand

	epsilon float64
	losses  []float64
}

func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	online, err := qnet.New(cfg.GridSize, cfg.Encoding, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, err
	}
	target := online.Clone()

	opt, err := qnet.NewRMSProp(cfg.Hyper.LearningRate)
	if err != nil {
		return nil, err
	}
	memory, err := replay.NewMemory(cfg.Hyper.memoryConfig(), rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:     cfg,
		hyper:   cfg.Hyper,
		online:  online,
		target:  target,
		opt:     opt,
		memory:  memory,
		rng:     rng,
		epsilon: cfg.Hyper.Epsilon,
	}, nil
}

// Act chooses a direction for state. With probability epsilon it explores
// uniformly among the directions not listed in invalid, otherwise it plays
// the masked greedy action of the online network.
func (a *Agent) Act(state game.Grid, invalid []game.Direction) (game.Direction, error) {
	valid := validFrom(invalid)
	if len(valid) > 0 && a.rng.Float64() < a.epsilon {
		return valid[a.rng.Intn(len(valid))], nil
	}
	d, _, err := Greedy(a.online, state, invalid)
	return d, err
}

// Remember stores a transition in replay memory.
func (a *Agent) Remember(t replay.Transition) {
	a.memory.Remember(t)
}

// bootstrap is the regression target for one transition.
func (a *Agent) bootstrap(t replay.Transition) (float64, error) {
	if t.Done {
		return t.Reward, nil
	}
	next, err := a.target.Predict(t.NextState)
	if err != nil {
		return 0, err
	}
	best := next[0]
	for _, v := range next[1:] {
		if v > best {
			best = v
		}
	}
	return t.Reward + a.hyper.Gamma*best, nil
}

// Replay samples a prioritized batch and takes one optimizer step per
// transition. Each transition's loss is the mean squared error over the four
// outputs where only the taken action's slot differs from the prediction.
// Priorities are rewritten from the pre-update TD errors and epsilon decays
// once. It returns the mean loss of the batch.
func (a *Agent) Replay(batchSize int) (float64, error) {
	batch, err := a.memory.Sample(batchSize)
	if err != nil {
		return 0, err
	}

	tdErrors := make([]float64, batch.Len())
	grad := make([]float64, game.NumDirections)
	total := 0.0
	for i, t := range batch.Transitions {
		y, err := a.bootstrap(t)
		if err != nil {
			return 0, err
		}
		act, err := a.online.Forward(t.State)
		if err != nil {
			return 0, err
		}
		q := act.QValues()
		slot := int(t.Action)
		if !t.Action.Valid() {
			return 0, fmt.Errorf("%w: transition action %d", game.ErrInvalidDirection, slot)
		}
		diff := q[slot] - y

		weight := 1.0
		if a.hyper.ImportanceWeighting {
			weight = batch.Weights[i]
		}
		clear(grad)
		grad[slot] = weight * 2 * diff / game.NumDirections

		a.online.ZeroGrad()
		if err := a.online.Backward(act, grad); err != nil {
			return 0, err
		}
		if a.hyper.GradClip > 0 {
			a.online.ClipGradNorm(a.hyper.GradClip)
		}
		a.opt.Step(a.online.Params())

		tdErrors[i] = math.Abs(diff)
		total += weight * diff * diff / game.NumDirections
	}

	if err := a.memory.UpdatePriorities(batch.Indices, tdErrors); err != nil {
		return 0, err
	}
	a.epsilon = math.Max(a.hyper.EpsilonMin, a.epsilon*a.hyper.EpsilonDecay)

	mean := total / float64(batch.Len())
	a.losses = append(a.losses, mean)
	return mean, nil
}

// UpdateTargetModel copies the online parameters into the target network.
func (a *Agent) UpdateTargetModel() error {
	return a.target.CopyFrom(a.online)
}

// Save writes the online network to path atomically.
func (a *Agent) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := a.online.Save(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Load restores the online network from path and syncs the target to it.
func (a *Agent) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := a.online.Load(f); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return a.target.CopyFrom(a.online)
}

func (a *Agent) Epsilon() float64 { return a.epsilon }

// SetEpsilon overrides the exploration rate, e.g. 0 for evaluation play.
func (a *Agent) SetEpsilon(eps float64) {
	a.epsilon = math.Min(1, math.Max(0, eps))
}

// Beta is the memory's current importance-sampling exponent.
func (a *Agent) Beta() float64 { return a.memory.Beta() }

// Losses returns the mean loss of every Replay call so far.
func (a *Agent) Losses() []float64 { return append([]float64(nil), a.losses...) }

func (a *Agent) Memory() *replay.Memory { return a.memory }

func (a *Agent) Online() *qnet.Network { return a.online }

func (a *Agent) Target() *qnet.Network { return a.target }

func (a *Agent) Config() Config { return a.cfg }
