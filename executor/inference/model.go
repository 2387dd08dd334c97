package inference

import (
	"fmt"
	"os"
	"sync"

	"github.com/brensch/dqn2048/executor/qnet"
	"github.com/brensch/dqn2048/game"
)

// Model scores grids with one Q-value per direction and owns whatever
// resources back it.
type Model interface {
	Predict(grid game.Grid) ([]float64, error)
	Close() error
}

// ModelSource names where to load a model from. ONNXPath wins when both are
// set.
type ModelSource struct {
	CheckpointPath string
	ONNXPath       string
	// Sessions > 1 loads an OnnxPool.
	Sessions int
	Onnx     OnnxClientConfig
}

// networkModel serves a gob checkpoint through the pure-Go network. Predict
// calls are serialized.
type networkModel struct {
	mu  sync.Mutex
	net *qnet.Network
}

func (m *networkModel) Predict(grid game.Grid) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Predict(grid)
}

func (m *networkModel) Close() error { return nil }

// OpenModel loads the model described by src.
func OpenModel(src ModelSource) (Model, error) {
	switch {
	case src.ONNXPath != "":
		if src.Sessions > 1 {
			pool, err := NewOnnxClientPool(src.ONNXPath, src.Sessions, src.Onnx)
			if err != nil {
				return nil, err
			}
			return pool, nil
		}
		client, err := NewOnnxClientWithConfig(src.ONNXPath, src.Onnx)
		if err != nil {
			return nil, err
		}
		return client, nil
	case src.CheckpointPath != "":
		f, err := os.Open(src.CheckpointPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		n, err := qnet.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", src.CheckpointPath, err)
		}
		return &networkModel{net: n}, nil
	}
	return nil, fmt.Errorf("%w: no checkpoint or onnx model given", game.ErrInvalidConfiguration)
}
