// Package convert encodes grids into network inputs.
package convert

import (
	"fmt"
	"strings"
	"sync"

	"github.com/brensch/dqn2048/game"
)

// Encoding selects how tile values are presented to the network.
type Encoding int

const (
	// Raw feeds face values unchanged (2, 4, 8, ...).
	Raw Encoding = iota
	// Log2 feeds tile ranks (1, 2, 3, ...), empty cells stay 0.
	Log2
)

func (e Encoding) String() string {
	switch e {
	case Raw:
		return "raw"
	case Log2:
		return "log2"
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

func (e Encoding) Valid() bool { return e == Raw || e == Log2 }

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return Raw, nil
	case "log2", "log":
		return Log2, nil
	}
	return 0, fmt.Errorf("%w: unknown encoding %q", game.ErrInvalidConfiguration, s)
}

// Value encodes one cell.
func (e Encoding) Value(v int) float64 {
	if e == Log2 {
		return float64(game.Rank(v))
	}
	return float64(v)
}

// GridToFloat64 writes the grid into dst (row-major, one channel) and returns
// it, allocating when dst is too small.
func GridToFloat64(g game.Grid, enc Encoding, dst []float64) []float64 {
	n := len(g.Cells)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for i, v := range g.Cells {
		dst[i] = enc.Value(v)
	}
	return dst
}

// pools are keyed by cell count so differently sized boards never share
// buffers.
var floatPools sync.Map

func floatPool(cells int) *sync.Pool {
	if p, ok := floatPools.Load(cells); ok {
		return p.(*sync.Pool)
	}
	p, _ := floatPools.LoadOrStore(cells, &sync.Pool{
		New: func() interface{} {
			b := make([]float32, cells)
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GridToFloat32 encodes the grid into a pooled float32 slice suitable for
// ONNX input. Output shape: [1, N, N] (C, H, W).
// Caller must return it to the pool using PutFloatBuffer.
func GridToFloat32(g game.Grid, enc Encoding) *[]float32 {
	ptr := floatPool(len(g.Cells)).Get().(*[]float32)
	data := *ptr
	for i, v := range g.Cells {
		data[i] = float32(enc.Value(v))
	}
	return ptr
}

func PutFloatBuffer(b *[]float32) {
	floatPool(len(*b)).Put(b)
}
