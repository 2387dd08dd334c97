// Package replay implements prioritized experience replay: a sum tree over
// transition priorities and the memory that samples from it.
package replay

import (
	"errors"
	"fmt"
	"math"

	"github.com/brensch/dqn2048/game"
)

var (
	// ErrInsufficientExperience is returned when sampling from a memory whose
	// total priority is zero.
	ErrInsufficientExperience = errors.New("insufficient experience")
)

// Transition is one step of experience. Grids are owned by the transition;
// the tree clones on insert and on read.
type Transition struct {
	State     game.Grid
	Action    game.Direction
	Reward    float64
	NextState game.Grid
	Done      bool
}

func (t Transition) clone() Transition {
	t.State = t.State.Clone()
	t.NextState = t.NextState.Clone()
	return t
}

// SumTree is a complete binary tree stored in an array. Leaves hold
// priorities, every internal node holds the sum of its children, so the root
// is the total priority mass.
//
// Leaves are addressed 0..Capacity()-1; leaf i lives at tree[Capacity()-1+i].
type SumTree struct {
	capacity int
	tree     []float64
	data     []Transition
	next     int
	filled   int
}

func NewSumTree(capacity int) (*SumTree, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: sum tree capacity %d", game.ErrInvalidConfiguration, capacity)
	}
	return &SumTree{
		capacity: capacity,
		tree:     make([]float64, 2*capacity-1),
		data:     make([]Transition, capacity),
	}, nil
}

func (s *SumTree) Capacity() int { return s.capacity }

// Len is the number of filled slots.
func (s *SumTree) Len() int { return s.filled }

// Total is the root sum.
func (s *SumTree) Total() float64 { return s.tree[0] }

// Insert writes t at the write pointer with the given priority, overwriting
// the oldest entry once the tree is full. It returns the leaf written.
func (s *SumTree) Insert(priority float64, t Transition) int {
	leaf := s.next
	s.data[leaf] = t.clone()
	s.Update(leaf, priority)
	s.next = (s.next + 1) % s.capacity
	if s.filled < s.capacity {
		s.filled++
	}
	return leaf
}

// Update sets the priority of a leaf and propagates the change to the root.
func (s *SumTree) Update(leaf int, priority float64) {
	if leaf < 0 || leaf >= s.capacity {
		panic(fmt.Sprintf("replay: leaf %d out of range [0,%d)", leaf, s.capacity))
	}
	if priority < 0 || math.IsNaN(priority) || math.IsInf(priority, 0) {
		panic(fmt.Sprintf("replay: invalid priority %v for leaf %d", priority, leaf))
	}
	idx := leaf + s.capacity - 1
	delta := priority - s.tree[idx]
	s.tree[idx] = priority
	for idx > 0 {
		idx = (idx - 1) / 2
		s.tree[idx] += delta
	}
}

// Priority returns the stored priority of a leaf.
func (s *SumTree) Priority(leaf int) float64 {
	return s.tree[leaf+s.capacity-1]
}

// MaxPriority scans the leaves.
func (s *SumTree) MaxPriority() float64 {
	best := 0.0
	for _, p := range s.tree[s.capacity-1:] {
		if p > best {
			best = p
		}
	}
	return best
}

// Sample finds the leaf whose cumulative priority range contains v, for v in
// [0, Total()]. A subtree without mass is never entered while its sibling
// has some, so accumulated float error cannot steer the walk onto an empty
// leaf.
func (s *SumTree) Sample(v float64) (leaf int, priority float64, t Transition) {
	idx := 0
	for {
		left := 2*idx + 1
		if left >= len(s.tree) {
			break
		}
		right := left + 1
		lm, rm := s.tree[left], s.tree[right]
		switch {
		case rm <= 0:
			idx = left
		case lm <= 0:
			v -= lm
			idx = right
		case v <= lm:
			idx = left
		default:
			v -= lm
			idx = right
		}
	}
	leaf = idx - (s.capacity - 1)
	return leaf, s.tree[idx], s.data[leaf].clone()
}

// CheckInvariant recomputes every internal node from its children and
// reports the first node that disagrees by more than a relative tolerance.
func (s *SumTree) CheckInvariant() error {
	for idx := s.capacity - 2; idx >= 0; idx-- {
		want := s.tree[2*idx+1] + s.tree[2*idx+2]
		got := s.tree[idx]
		if math.Abs(got-want) > 1e-9*math.Max(1, math.Abs(want)) {
			return fmt.Errorf("sum tree node %d holds %v, children sum to %v", idx, got, want)
		}
	}
	return nil
}
