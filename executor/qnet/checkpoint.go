package qnet

import (
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"

	"github.com/brensch/dqn2048/executor/convert"
)

// CheckpointFormat identifies the gob layout written by Save.
const CheckpointFormat = "dqn2048.qnet.v1"

type savedParam struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

type checkpoint struct {
	Format   string
	GridSize int
	Encoding int
	Params   []savedParam
}

// Save writes every parameter with an architecture header.
func (n *Network) Save(w io.Writer) error {
	ck := checkpoint{
		Format:   CheckpointFormat,
		GridSize: n.size,
		Encoding: int(n.encoding),
	}
	for _, p := range n.Params() {
		r, c := p.Value.Dims()
		ck.Params = append(ck.Params, savedParam{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), data(p.Value)...),
		})
	}
	if err := gob.NewEncoder(w).Encode(&ck); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// Load replaces the parameters with a checkpoint's. Every tensor is checked
// before anything is written, so a failed load leaves the network as it was.
func (n *Network) Load(r io.Reader) error {
	var ck checkpoint
	if err := gob.NewDecoder(r).Decode(&ck); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	if err := n.compatible(ck); err != nil {
		return err
	}
	for i, p := range n.Params() {
		copy(data(p.Value), ck.Params[i].Data)
	}
	return nil
}

func (n *Network) compatible(ck checkpoint) error {
	if ck.Format != CheckpointFormat {
		return fmt.Errorf("%w: checkpoint format %q", ErrModelMismatch, ck.Format)
	}
	if ck.GridSize != n.size {
		return fmt.Errorf("%w: checkpoint grid size %d, network %d", ErrModelMismatch, ck.GridSize, n.size)
	}
	if convert.Encoding(ck.Encoding) != n.encoding {
		return fmt.Errorf("%w: checkpoint encoding %s, network %s", ErrModelMismatch, convert.Encoding(ck.Encoding), n.encoding)
	}
	params := n.Params()
	if len(ck.Params) != len(params) {
		return fmt.Errorf("%w: checkpoint has %d tensors, network %d", ErrModelMismatch, len(ck.Params), len(params))
	}
	for i, p := range params {
		sp := ck.Params[i]
		r, c := p.Value.Dims()
		if sp.Name != p.Name || sp.Rows != r || sp.Cols != c || len(sp.Data) != r*c {
			return fmt.Errorf("%w: tensor %d is %s %dx%d (%d values), want %s %dx%d",
				ErrModelMismatch, i, sp.Name, sp.Rows, sp.Cols, len(sp.Data), p.Name, r, c)
		}
	}
	return nil
}

// Decode builds a network from a checkpoint, taking the grid size and
// encoding from its header.
func Decode(r io.Reader) (*Network, error) {
	var ck checkpoint
	if err := gob.NewDecoder(r).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if ck.Format != CheckpointFormat {
		return nil, fmt.Errorf("%w: checkpoint format %q", ErrModelMismatch, ck.Format)
	}
	n, err := New(ck.GridSize, convert.Encoding(ck.Encoding), rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelMismatch, err)
	}
	if err := n.compatible(ck); err != nil {
		return nil, err
	}
	for i, p := range n.Params() {
		copy(data(p.Value), ck.Params[i].Data)
	}
	return n, nil
}
