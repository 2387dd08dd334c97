package replay

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/brensch/dqn2048/game"
)

// Config parameterises a prioritized memory.
type Config struct {
	Capacity int
	// Alpha shapes priorities: p = (|td| + PriorityEpsilon)^Alpha.
	Alpha float64
	// Beta is the initial importance-sampling exponent; it grows by
	// BetaIncrement on every Sample call, capped at 1.
	Beta          float64
	BetaIncrement float64
	// AbsErrorUpper is the priority given to the first transitions, before any
	// priority has been written back.
	AbsErrorUpper   float64
	PriorityEpsilon float64
}

func DefaultConfig() Config {
	return Config{
		Capacity:        6000,
		Alpha:           0.6,
		Beta:            0.4,
		BetaIncrement:   0.001,
		AbsErrorUpper:   1.0,
		PriorityEpsilon: 1e-5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Capacity <= 0:
		return fmt.Errorf("%w: capacity %d", game.ErrInvalidConfiguration, c.Capacity)
	case !(c.Alpha >= 0 && c.Alpha <= 1):
		return fmt.Errorf("%w: alpha %v", game.ErrInvalidConfiguration, c.Alpha)
	case !(c.Beta >= 0 && c.Beta <= 1):
		return fmt.Errorf("%w: beta %v", game.ErrInvalidConfiguration, c.Beta)
	case !(c.BetaIncrement >= 0):
		return fmt.Errorf("%w: beta increment %v", game.ErrInvalidConfiguration, c.BetaIncrement)
	case !(c.AbsErrorUpper > 0) || math.IsInf(c.AbsErrorUpper, 1):
		return fmt.Errorf("%w: abs error upper %v", game.ErrInvalidConfiguration, c.AbsErrorUpper)
	case !(c.PriorityEpsilon > 0) || math.IsInf(c.PriorityEpsilon, 1):
		return fmt.Errorf("%w: priority epsilon %v", game.ErrInvalidConfiguration, c.PriorityEpsilon)
	}
	return nil
}

// Batch is one prioritized sample. All slices are parallel.
type Batch struct {
	Transitions []Transition
	Indices     []int
	Priorities  []float64
	// Weights are importance-sampling weights normalised so the largest is 1.
	Weights []float64
}

func (b Batch) Len() int { return len(b.Transitions) }

// Memory is a prioritized replay buffer. It is not safe for concurrent use.
type Memory struct {
	cfg  Config
	tree *SumTree
	rng  *rand.Rand
	beta float64
}

// NewMemory validates cfg. A nil rng is replaced by a time-seeded source.
func NewMemory(cfg Config, rng *rand.Rand) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tree, err := NewSumTree(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Memory{cfg: cfg, tree: tree, rng: rng, beta: cfg.Beta}, nil
}

// Remember stores t at the current maximum priority so it is replayed at
// least once soon.
func (m *Memory) Remember(t Transition) {
	p := m.tree.MaxPriority()
	if p == 0 {
		p = m.cfg.AbsErrorUpper
	}
	m.tree.Insert(p, t)
}

// Sample draws n transitions, one per equal slice of the priority mass.
// Duplicates are possible when one leaf dominates.
func (m *Memory) Sample(n int) (Batch, error) {
	if n <= 0 {
		return Batch{}, fmt.Errorf("%w: batch size %d", game.ErrInvalidConfiguration, n)
	}
	total := m.tree.Total()
	if total <= 0 || m.tree.Len() == 0 {
		return Batch{}, ErrInsufficientExperience
	}
	m.beta = math.Min(1, m.beta+m.cfg.BetaIncrement)

	b := Batch{
		Transitions: make([]Transition, n),
		Indices:     make([]int, n),
		Priorities:  make([]float64, n),
		Weights:     make([]float64, n),
	}
	segment := total / float64(n)
	count := float64(m.tree.Len())
	maxWeight := 0.0
	for i := 0; i < n; i++ {
		lo := segment * float64(i)
		v := lo + m.rng.Float64()*segment
		leaf, p, t := m.tree.Sample(v)
		b.Transitions[i] = t
		b.Indices[i] = leaf
		b.Priorities[i] = p

		prob := p / total
		w := 0.0
		if prob > 0 {
			w = math.Pow(count*prob, -m.beta)
		}
		b.Weights[i] = w
		if w > maxWeight {
			maxWeight = w
		}
	}
	if maxWeight > 0 {
		for i := range b.Weights {
			b.Weights[i] /= maxWeight
		}
	}
	return b, nil
}

// UpdatePriorities writes back the TD errors of a sampled batch.
func (m *Memory) UpdatePriorities(indices []int, tdErrors []float64) error {
	if len(indices) != len(tdErrors) {
		return fmt.Errorf("%w: %d indices for %d errors", game.ErrInvalidConfiguration, len(indices), len(tdErrors))
	}
	for i, leaf := range indices {
		m.tree.Update(leaf, m.Priority(tdErrors[i]))
	}
	return nil
}

// Priority maps a TD error to a stored priority.
func (m *Memory) Priority(tdError float64) float64 {
	return math.Pow(math.Abs(tdError)+m.cfg.PriorityEpsilon, m.cfg.Alpha)
}

func (m *Memory) Len() int { return m.tree.Len() }

// Beta is the current importance-sampling exponent.
func (m *Memory) Beta() float64 { return m.beta }

func (m *Memory) Config() Config { return m.cfg }

// Tree exposes the underlying sum tree for inspection.
func (m *Memory) Tree() *SumTree { return m.tree }
