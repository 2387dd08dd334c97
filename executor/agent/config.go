package agent

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/executor/replay"
	"github.com/brensch/dqn2048/game"
)

// Hyperparameters of the learner. Everything except Epsilon (decays) and
// the memory's beta (grows) is fixed after construction.
type Hyperparameters struct {
	Alpha         float64
	Beta          float64
	BetaIncrement float64

	Epsilon      float64
	EpsilonMin   float64
	EpsilonDecay float64

	Gamma        float64
	LearningRate float64

	MemoryCapacity  int
	AbsErrorUpper   float64
	PriorityEpsilon float64

	// GradClip bounds the global gradient norm per update; 0 disables it.
	GradClip float64
	// ImportanceWeighting scales each sample's loss by its importance
	// sampling weight.
	ImportanceWeighting bool
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Alpha:           0.6,
		Beta:            0.4,
		BetaIncrement:   0.001,
		Epsilon:         0.15,
		EpsilonMin:      0.001,
		EpsilonDecay:    0.999,
		Gamma:           0.9,
		LearningRate:    1e-4,
		MemoryCapacity:  6000,
		AbsErrorUpper:   1.0,
		PriorityEpsilon: 1e-5,
		GradClip:        1.0,
	}
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

func (h Hyperparameters) Validate() error {
	unit := []struct {
		name string
		v    float64
	}{
		{"alpha", h.Alpha},
		{"beta", h.Beta},
		{"epsilon", h.Epsilon},
		{"epsilon_min", h.EpsilonMin},
		{"epsilon_decay", h.EpsilonDecay},
		{"gamma", h.Gamma},
	}
	for _, u := range unit {
		if !inUnit(u.v) {
			return fmt.Errorf("%w: %s = %v, want [0,1]", game.ErrInvalidConfiguration, u.name, u.v)
		}
	}
	if !(h.LearningRate > 0) {
		return fmt.Errorf("%w: learning_rate = %v", game.ErrInvalidConfiguration, h.LearningRate)
	}
	if h.MemoryCapacity <= 0 {
		return fmt.Errorf("%w: memory capacity = %d", game.ErrInvalidConfiguration, h.MemoryCapacity)
	}
	if !(h.GradClip >= 0) {
		return fmt.Errorf("%w: grad clip = %v", game.ErrInvalidConfiguration, h.GradClip)
	}
	return h.memoryConfig().Validate()
}

func (h Hyperparameters) memoryConfig() replay.Config {
	return replay.Config{
		Capacity:        h.MemoryCapacity,
		Alpha:           h.Alpha,
		Beta:            h.Beta,
		BetaIncrement:   h.BetaIncrement,
		AbsErrorUpper:   h.AbsErrorUpper,
		PriorityEpsilon: h.PriorityEpsilon,
	}
}

// Config describes an agent. A nil Rand seeds from ambient entropy.
type Config struct {
	GridSize int
	Hyper    Hyperparameters
	Encoding convert.Encoding
	Rand     *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		GridSize: 4,
		Hyper:    DefaultHyperparameters(),
		Encoding: convert.Raw,
	}
}

func (c Config) Validate() error {
	if c.GridSize < game.MinSize {
		return fmt.Errorf("%w: grid size %d", game.ErrInvalidConfiguration, c.GridSize)
	}
	if !c.Encoding.Valid() {
		return fmt.Errorf("%w: encoding %s", game.ErrInvalidConfiguration, c.Encoding)
	}
	return c.Hyper.Validate()
}
