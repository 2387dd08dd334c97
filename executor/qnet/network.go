// Package qnet is the Q-value network used by the agent: two 3×3
// convolutions followed by three dense layers, one output per direction.
//
// It is a small CPU implementation on gonum matrices with explicit forward
// and backward passes. A Network is not safe for concurrent use.
package qnet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/brensch/dqn2048/executor/convert"
	"github.com/brensch/dqn2048/game"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrModelMismatch is returned when parameters or a checkpoint do not fit a
// network's architecture.
var ErrModelMismatch = errors.New("model mismatch")

// Layer widths.
const (
	Conv1Channels = 32
	Conv2Channels = 64
	Hidden1       = 512
	Hidden2       = 128
	Outputs       = game.NumDirections
)

type Network struct {
	size     int
	encoding convert.Encoding

	conv1, conv2  *convLayer
	fc1, fc2, fc3 *denseLayer
}

// New builds a randomly initialised network for size×size grids. A nil rng
// uses a time-seeded source.
func New(size int, enc convert.Encoding, rng *rand.Rand) (*Network, error) {
	if size < game.MinSize {
		return nil, fmt.Errorf("%w: network grid size %d", game.ErrInvalidConfiguration, size)
	}
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: encoding %s", game.ErrInvalidConfiguration, enc)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	plane := size * size
	n := &Network{
		size:     size,
		encoding: enc,
		conv1:    newConvLayer("conv1", 1, Conv1Channels, size),
		conv2:    newConvLayer("conv2", Conv1Channels, Conv2Channels, size),
		fc1:      newDenseLayer("fc1", Conv2Channels*plane, Hidden1),
		fc2:      newDenseLayer("fc2", Hidden1, Hidden2),
		fc3:      newDenseLayer("fc3", Hidden2, Outputs),
	}
	uniformInit(rng, 9, n.conv1.params()...)
	uniformInit(rng, Conv1Channels*9, n.conv2.params()...)
	uniformInit(rng, Conv2Channels*plane, n.fc1.params()...)
	uniformInit(rng, Hidden1, n.fc2.params()...)
	uniformInit(rng, Hidden2, n.fc3.params()...)
	return n, nil
}

func (n *Network) Size() int { return n.size }

func (n *Network) Encoding() convert.Encoding { return n.encoding }

// Params lists every trainable tensor in a fixed order.
func (n *Network) Params() []Param {
	var out []Param
	out = append(out, n.conv1.params()...)
	out = append(out, n.conv2.params()...)
	out = append(out, n.fc1.params()...)
	out = append(out, n.fc2.params()...)
	out = append(out, n.fc3.params()...)
	return out
}

// NumParams counts scalar parameters.
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		r, c := p.Value.Dims()
		total += r * c
	}
	return total
}

// Activations is the forward cache needed by Backward.
type Activations struct {
	Input *mat.Dense
	cols1 *mat.Dense
	h1    *mat.Dense
	cols2 *mat.Dense
	h2    *mat.Dense
	flat  *mat.VecDense
	a1    *mat.VecDense
	a2    *mat.VecDense
	Q     *mat.VecDense
}

// QValues copies the outputs in direction order.
func (a *Activations) QValues() []float64 {
	out := make([]float64, Outputs)
	for i := range out {
		out[i] = a.Q.AtVec(i)
	}
	return out
}

func (n *Network) checkGrid(g game.Grid) error {
	if g.Size != n.size || len(g.Cells) != n.size*n.size {
		return fmt.Errorf("%w: grid size %d, network expects %d", ErrModelMismatch, g.Size, n.size)
	}
	return nil
}

// Forward runs the network and keeps the intermediate activations.
func (n *Network) Forward(g game.Grid) (*Activations, error) {
	if err := n.checkGrid(g); err != nil {
		return nil, err
	}
	plane := n.size * n.size
	act := &Activations{
		Input: mat.NewDense(1, plane, convert.GridToFloat64(g, n.encoding, nil)),
	}
	act.cols1, act.h1 = n.conv1.forward(act.Input)
	act.cols2, act.h2 = n.conv2.forward(act.h1)

	// Channel-major flatten, matching a (C, H, W) view.
	flat := make([]float64, Conv2Channels*plane)
	copy(flat, data(act.h2))
	act.flat = mat.NewVecDense(len(flat), flat)

	act.a1 = n.fc1.forward(act.flat, true)
	act.a2 = n.fc2.forward(act.a1, true)
	act.Q = n.fc3.forward(act.a2, false)
	return act, nil
}

// Predict returns the four Q-values for g.
func (n *Network) Predict(g game.Grid) ([]float64, error) {
	act, err := n.Forward(g)
	if err != nil {
		return nil, err
	}
	return act.QValues(), nil
}

// Backward accumulates parameter gradients for dLoss/dQ = dQ.
func (n *Network) Backward(act *Activations, dQ []float64) error {
	if len(dQ) != Outputs {
		return fmt.Errorf("%w: %d output gradients", ErrModelMismatch, len(dQ))
	}
	dq := mat.NewVecDense(Outputs, append([]float64(nil), dQ...))

	da2 := n.fc3.backward(act.a2, dq)
	reluMask(da2.RawVector().Data, act.a2.RawVector().Data)

	da1 := n.fc2.backward(act.a1, da2)
	reluMask(da1.RawVector().Data, act.a1.RawVector().Data)

	dflat := n.fc1.backward(act.flat, da1)
	plane := n.size * n.size
	dh2 := mat.NewDense(Conv2Channels, plane, dflat.RawVector().Data)
	reluMask(data(dh2), data(act.h2))

	dh1 := n.conv2.backward(act.cols2, dh2, true)
	reluMask(data(dh1), data(act.h1))

	n.conv1.backward(act.cols1, dh1, false)
	return nil
}

func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.Grad.Zero()
	}
}

// GradNorm is the L2 norm over every gradient.
func (n *Network) GradNorm() float64 {
	sum := 0.0
	for _, p := range n.Params() {
		g := data(p.Grad)
		sum += floats.Dot(g, g)
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm and returns the norm before clipping.
func (n *Network) ClipGradNorm(maxNorm float64) float64 {
	norm := n.GradNorm()
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, p := range n.Params() {
			floats.Scale(scale, data(p.Grad))
		}
	}
	return norm
}

// CopyFrom overwrites every parameter with other's.
func (n *Network) CopyFrom(other *Network) error {
	if other.size != n.size || other.encoding != n.encoding {
		return fmt.Errorf("%w: copy size %d/%s into size %d/%s",
			ErrModelMismatch, other.size, other.encoding, n.size, n.encoding)
	}
	src := other.Params()
	for i, p := range n.Params() {
		p.Value.Copy(src[i].Value)
	}
	return nil
}

// Clone returns an independent copy with zeroed gradients.
func (n *Network) Clone() *Network {
	out := &Network{
		size:     n.size,
		encoding: n.encoding,
		conv1:    newConvLayer("conv1", 1, Conv1Channels, n.size),
		conv2:    newConvLayer("conv2", Conv1Channels, Conv2Channels, n.size),
		fc1:      newDenseLayer("fc1", Conv2Channels*n.size*n.size, Hidden1),
		fc2:      newDenseLayer("fc2", Hidden1, Hidden2),
		fc3:      newDenseLayer("fc3", Hidden2, Outputs),
	}
	// Same architecture by construction.
	_ = out.CopyFrom(n)
	return out
}
