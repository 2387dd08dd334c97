package qnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable tensor with its gradient accumulator. Biases
// are stored as single-column matrices.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, rows, cols int) Param {
	return Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// data returns the backing slice of a freshly allocated matrix.
func data(m *mat.Dense) []float64 {
	return m.RawMatrix().Data
}

// uniformInit fills every value with U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformInit(rng *rand.Rand, fanIn int, params ...Param) {
	bound := 1 / math.Sqrt(float64(fanIn))
	for _, p := range params {
		d := data(p.Value)
		for i := range d {
			d[i] = (rng.Float64()*2 - 1) * bound
		}
	}
}

func reluInPlace(d []float64) {
	for i, v := range d {
		if v < 0 {
			d[i] = 0
		}
	}
}

// reluMask zeroes grad wherever the post-activation output is not positive.
func reluMask(grad, out []float64) {
	for i, v := range out {
		if v <= 0 {
			grad[i] = 0
		}
	}
}

// convLayer is a 3×3 stride-1 convolution with zero padding 1 over an n×n
// plane. Activations are (channels × n²) matrices; the kernel is
// (out × in·9) and applied to an im2col expansion of the input.
type convLayer struct {
	in, out, n int
	w, b       Param
}

func newConvLayer(name string, in, out, n int) *convLayer {
	return &convLayer{
		in:  in,
		out: out,
		n:   n,
		w:   newParam(name+".weight", out, in*9),
		b:   newParam(name+".bias", out, 1),
	}
}

func (l *convLayer) params() []Param { return []Param{l.w, l.b} }

// im2col lays every 3×3 neighbourhood out as a column. Row c*9+ky*3+kx of
// the result holds input channel c shifted by (ky-1, kx-1).
func (l *convLayer) im2col(x *mat.Dense) *mat.Dense {
	n := l.n
	plane := n * n
	cols := mat.NewDense(l.in*9, plane, nil)
	src := data(x)
	dst := data(cols)
	for c := 0; c < l.in; c++ {
		for ky := 0; ky < 3; ky++ {
			for kx := 0; kx < 3; kx++ {
				row := dst[(c*9+ky*3+kx)*plane : (c*9+ky*3+kx+1)*plane]
				for y := 0; y < n; y++ {
					sy := y + ky - 1
					if sy < 0 || sy >= n {
						continue
					}
					for px := 0; px < n; px++ {
						sx := px + kx - 1
						if sx < 0 || sx >= n {
							continue
						}
						row[y*n+px] = src[c*plane+sy*n+sx]
					}
				}
			}
		}
	}
	return cols
}

// col2im is the adjoint of im2col: overlapping contributions are summed.
func (l *convLayer) col2im(cols *mat.Dense) *mat.Dense {
	n := l.n
	plane := n * n
	img := mat.NewDense(l.in, plane, nil)
	src := data(cols)
	dst := data(img)
	for c := 0; c < l.in; c++ {
		for ky := 0; ky < 3; ky++ {
			for kx := 0; kx < 3; kx++ {
				row := src[(c*9+ky*3+kx)*plane : (c*9+ky*3+kx+1)*plane]
				for y := 0; y < n; y++ {
					sy := y + ky - 1
					if sy < 0 || sy >= n {
						continue
					}
					for px := 0; px < n; px++ {
						sx := px + kx - 1
						if sx < 0 || sx >= n {
							continue
						}
						dst[c*plane+sy*n+sx] += row[y*n+px]
					}
				}
			}
		}
	}
	return img
}

// forward returns the im2col expansion (kept for backward) and the ReLU
// activated output.
func (l *convLayer) forward(x *mat.Dense) (cols, out *mat.Dense) {
	cols = l.im2col(x)
	out = mat.NewDense(l.out, l.n*l.n, nil)
	out.Mul(l.w.Value, cols)
	plane := l.n * l.n
	od := data(out)
	bias := data(l.b.Value)
	for c := 0; c < l.out; c++ {
		row := od[c*plane : (c+1)*plane]
		for i := range row {
			row[i] += bias[c]
		}
	}
	reluInPlace(od)
	return cols, out
}

// backward accumulates parameter gradients from dOut (already masked by the
// activation) and returns the gradient w.r.t. the layer input when wantInput
// is set.
func (l *convLayer) backward(cols, dOut *mat.Dense, wantInput bool) *mat.Dense {
	var dw mat.Dense
	dw.Mul(dOut, cols.T())
	l.w.Grad.Add(l.w.Grad, &dw)

	plane := l.n * l.n
	dd := data(dOut)
	db := data(l.b.Grad)
	for c := 0; c < l.out; c++ {
		sum := 0.0
		for _, v := range dd[c*plane : (c+1)*plane] {
			sum += v
		}
		db[c] += sum
	}

	if !wantInput {
		return nil
	}
	dCols := mat.NewDense(l.in*9, plane, nil)
	dCols.Mul(l.w.Value.T(), dOut)
	return l.col2im(dCols)
}

// denseLayer is a fully connected layer y = Wx + b.
type denseLayer struct {
	in, out int
	w, b    Param
}

func newDenseLayer(name string, in, out int) *denseLayer {
	return &denseLayer{
		in:  in,
		out: out,
		w:   newParam(name+".weight", out, in),
		b:   newParam(name+".bias", out, 1),
	}
}

func (l *denseLayer) params() []Param { return []Param{l.w, l.b} }

func (l *denseLayer) forward(x *mat.VecDense, relu bool) *mat.VecDense {
	y := mat.NewVecDense(l.out, nil)
	y.MulVec(l.w.Value, x)
	y.AddVec(y, l.b.Value.ColView(0))
	if relu {
		reluInPlace(y.RawVector().Data)
	}
	return y
}

func (l *denseLayer) backward(x, dy *mat.VecDense) *mat.VecDense {
	l.w.Grad.RankOne(l.w.Grad, 1, dy, x)
	db := data(l.b.Grad)
	for i := 0; i < l.out; i++ {
		db[i] += dy.AtVec(i)
	}
	dx := mat.NewVecDense(l.in, nil)
	dx.MulVec(l.w.Value.T(), dy)
	return dx
}
