package qnet

import (
	"fmt"
	"math"

	"github.com/brensch/dqn2048/game"
)

// RMSProp keeps a running mean of squared gradients per parameter:
//
//	sq = alpha*sq + (1-alpha)*g²
//	w -= lr * g / (sqrt(sq) + eps)
type RMSProp struct {
	LR    float64
	Alpha float64
	Eps   float64

	sq map[string][]float64
}

// NewRMSProp uses smoothing 0.99 and eps 1e-8.
func NewRMSProp(lr float64) (*RMSProp, error) {
	if lr <= 0 || math.IsNaN(lr) {
		return nil, fmt.Errorf("%w: learning rate %v", game.ErrInvalidConfiguration, lr)
	}
	return &RMSProp{LR: lr, Alpha: 0.99, Eps: 1e-8, sq: make(map[string][]float64)}, nil
}

// Step applies one update to every parameter from its accumulated gradient.
func (o *RMSProp) Step(params []Param) {
	for _, p := range params {
		w := data(p.Value)
		g := data(p.Grad)
		sq, ok := o.sq[p.Name]
		if !ok || len(sq) != len(w) {
			sq = make([]float64, len(w))
			o.sq[p.Name] = sq
		}
		for i, gi := range g {
			sq[i] = o.Alpha*sq[i] + (1-o.Alpha)*gi*gi
			w[i] -= o.LR * gi / (math.Sqrt(sq[i]) + o.Eps)
		}
	}
}

// Reset drops the running averages.
func (o *RMSProp) Reset() {
	o.sq = make(map[string][]float64)
}
