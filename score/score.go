// Package score provides a reference trainable score network for the
// diffusion engine: a fully connected net over the concatenation of the
// sample batch, an optional conditioning batch and the time column,
// with batch-normalized ReLU hidden layers and a linear head.
//
// Parameters and normalization statistics travel as flat vectors so the
// training loop can own and replace them wholesale; the MLP value holds
// only architecture and layout.
package score

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP implements the diffusion score-model contract. An instance is
// bound to one model: Init fixes the input dimensionality and the
// conditioning mode for its lifetime.
type MLP struct {
	hidden   []int
	momentum float64
	eps      float64

	// Layout, fixed by Init.
	ndims       int
	conditioned bool
	sizes       []int // layer widths: input, hidden..., ndims
	wOff        []int // weight offsets per layer
	bOff        []int // bias offsets per layer
	gOff        []int // gamma offsets per hidden layer
	hOff        []int // shift offsets per hidden layer
	mOff        []int // running-mean offsets per hidden layer
	vOff        []int // running-variance offsets per hidden layer
	nParams     int
	nStats      int
}

// NewMLP creates a score network with the given hidden layer widths
// (default 128, 128).
func NewMLP(hidden ...int) *MLP {
	if len(hidden) == 0 {
		hidden = []int{128, 128}
	}
	h := make([]int, len(hidden))
	copy(h, hidden)
	return &MLP{hidden: h, momentum: 0.9, eps: 1e-5}
}

// Init establishes the layout for ndims-dimensional inputs, returns
// freshly initialized parameters and statistics, and runs a zero-valued
// dummy forward pass to fix the shapes.
func (m *MLP) Init(rng *rand.Rand, ndims int, conditioned bool) ([]float64, []float64) {
	m.ndims = ndims
	m.conditioned = conditioned

	in := ndims + 1
	if conditioned {
		in += ndims
	}
	m.sizes = make([]int, 0, len(m.hidden)+2)
	m.sizes = append(m.sizes, in)
	m.sizes = append(m.sizes, m.hidden...)
	m.sizes = append(m.sizes, ndims)

	layers := len(m.sizes) - 1
	m.wOff = make([]int, layers)
	m.bOff = make([]int, layers)
	m.gOff = make([]int, layers-1)
	m.hOff = make([]int, layers-1)
	m.mOff = make([]int, layers-1)
	m.vOff = make([]int, layers-1)

	p, s := 0, 0
	for l := 0; l < layers; l++ {
		rows, cols := m.sizes[l], m.sizes[l+1]
		m.wOff[l] = p
		p += rows * cols
		m.bOff[l] = p
		p += cols
		if l < layers-1 {
			m.gOff[l] = p
			p += cols
			m.hOff[l] = p
			p += cols
			m.mOff[l] = s
			s += cols
			m.vOff[l] = s
			s += cols
		}
	}
	m.nParams = p
	m.nStats = s

	params := make([]float64, p)
	stats := make([]float64, s)
	for l := 0; l < layers; l++ {
		rows, cols := m.sizes[l], m.sizes[l+1]
		// He scaling for the ReLU stack, smaller for the linear head.
		scale := math.Sqrt(2 / float64(rows))
		if l == layers-1 {
			scale = math.Sqrt(1 / float64(rows))
		}
		w := params[m.wOff[l] : m.wOff[l]+rows*cols]
		for i := range w {
			w[i] = rng.NormFloat64() * scale
		}
		if l < layers-1 {
			g := params[m.gOff[l] : m.gOff[l]+cols]
			for i := range g {
				g[i] = 1
			}
			v := stats[m.vOff[l] : m.vOff[l]+cols]
			for i := range v {
				v[i] = 1
			}
		}
	}

	dummyX := mat.NewDense(1, ndims, nil)
	dummyT := mat.NewDense(1, 1, nil)
	dummyT.Set(0, 0, 1)
	var dummyCond *mat.Dense
	if conditioned {
		dummyCond = mat.NewDense(1, ndims, nil)
	}
	m.Apply(params, stats, dummyX, dummyCond, dummyT, false)

	return params, stats
}

// NumParams returns the parameter count once Init has run.
func (m *MLP) NumParams() int { return m.nParams }

// Apply evaluates the network. In training mode the hidden layers
// normalize with batch statistics and the returned statistics carry the
// updated running state; in evaluation mode the running statistics are
// used and returned unchanged.
func (m *MLP) Apply(params, stats []float64, x, cond, t *mat.Dense, train bool) (*mat.Dense, []float64) {
	out, updated, _ := m.forward(params, stats, x, cond, t, train, false)
	return out, updated
}

// ApplyBackward evaluates in training mode and returns a backward pass
// mapping the upstream gradient dLoss/doutput to parameter gradients.
func (m *MLP) ApplyBackward(params, stats []float64, x, cond, t *mat.Dense) (*mat.Dense, []float64, func(*mat.Dense) []float64) {
	out, updated, c := m.forward(params, stats, x, cond, t, true, true)
	backward := func(upstream *mat.Dense) []float64 {
		return m.backward(params, c, upstream)
	}
	return out, updated, backward
}

// forwardCache retains per-layer intermediates for the backward pass.
type forwardCache struct {
	inputs []*mat.Dense // input to each layer's linear map
	xhat   []*mat.Dense // normalized pre-activations, hidden layers
	h      []*mat.Dense // affine pre-activations, hidden layers
	invStd [][]float64  // per-feature inverse std, hidden layers
}

func (m *MLP) forward(params, stats []float64, x, cond, t *mat.Dense, train, keep bool) (*mat.Dense, []float64, *forwardCache) {
	in := m.concat(x, cond, t)
	layers := len(m.sizes) - 1

	updated := stats
	if train {
		updated = make([]float64, len(stats))
		copy(updated, stats)
	}

	var c *forwardCache
	if keep {
		c = &forwardCache{
			inputs: make([]*mat.Dense, layers),
			xhat:   make([]*mat.Dense, layers-1),
			h:      make([]*mat.Dense, layers-1),
			invStd: make([][]float64, layers-1),
		}
	}

	cur := in
	for l := 0; l < layers-1; l++ {
		if keep {
			c.inputs[l] = cur
		}
		z := m.linear(params, l, cur)
		rows, cols := z.Dims()

		mean := make([]float64, cols)
		variance := make([]float64, cols)
		if train {
			batchStats(z, mean, variance)
			rm := updated[m.mOff[l] : m.mOff[l]+cols]
			rv := updated[m.vOff[l] : m.vOff[l]+cols]
			for j := 0; j < cols; j++ {
				rm[j] = m.momentum*rm[j] + (1-m.momentum)*mean[j]
				rv[j] = m.momentum*rv[j] + (1-m.momentum)*variance[j]
			}
		} else {
			copy(mean, stats[m.mOff[l]:m.mOff[l]+cols])
			copy(variance, stats[m.vOff[l]:m.vOff[l]+cols])
		}

		invStd := make([]float64, cols)
		for j := 0; j < cols; j++ {
			invStd[j] = 1 / math.Sqrt(variance[j]+m.eps)
		}

		gamma := params[m.gOff[l] : m.gOff[l]+cols]
		shift := params[m.hOff[l] : m.hOff[l]+cols]
		xhat := mat.NewDense(rows, cols, nil)
		h := mat.NewDense(rows, cols, nil)
		act := mat.NewDense(rows, cols, nil)
		zr := z.RawMatrix()
		xr := xhat.RawMatrix()
		hr := h.RawMatrix()
		ar := act.RawMatrix()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				xh := (zr.Data[i*zr.Stride+j] - mean[j]) * invStd[j]
				xr.Data[i*xr.Stride+j] = xh
				hv := gamma[j]*xh + shift[j]
				hr.Data[i*hr.Stride+j] = hv
				if hv > 0 {
					ar.Data[i*ar.Stride+j] = hv
				}
			}
		}
		if keep {
			c.xhat[l] = xhat
			c.h[l] = h
			c.invStd[l] = invStd
		}
		cur = act
	}

	if keep {
		c.inputs[layers-1] = cur
	}
	out := m.linear(params, layers-1, cur)
	return out, updated, c
}

func (m *MLP) backward(params []float64, c *forwardCache, upstream *mat.Dense) []float64 {
	grads := make([]float64, m.nParams)
	layers := len(m.sizes) - 1

	// Linear head.
	d := m.linearBackward(params, grads, layers-1, c.inputs[layers-1], upstream)

	for l := layers - 2; l >= 0; l-- {
		h := c.h[l]
		xhat := c.xhat[l]
		invStd := c.invStd[l]
		rows, cols := h.Dims()

		// ReLU gate.
		dh := mat.NewDense(rows, cols, nil)
		dr := d.RawMatrix()
		hr := h.RawMatrix()
		dhr := dh.RawMatrix()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if hr.Data[i*hr.Stride+j] > 0 {
					dhr.Data[i*dhr.Stride+j] = dr.Data[i*dr.Stride+j]
				}
			}
		}

		gamma := params[m.gOff[l] : m.gOff[l]+cols]
		dgamma := grads[m.gOff[l] : m.gOff[l]+cols]
		dshift := grads[m.hOff[l] : m.hOff[l]+cols]
		xr := xhat.RawMatrix()

		// Batch-norm backward with the batch statistics of the forward
		// pass: dz = invStd/N * (N*dxhat - sum(dxhat) - xhat*sum(dxhat*xhat)).
		s1 := make([]float64, cols)
		s2 := make([]float64, cols)
		dxhat := mat.NewDense(rows, cols, nil)
		dxr := dxhat.RawMatrix()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := dhr.Data[i*dhr.Stride+j]
				xh := xr.Data[i*xr.Stride+j]
				dgamma[j] += g * xh
				dshift[j] += g
				dx := g * gamma[j]
				dxr.Data[i*dxr.Stride+j] = dx
				s1[j] += dx
				s2[j] += dx * xh
			}
		}
		n := float64(rows)
		dz := mat.NewDense(rows, cols, nil)
		dzr := dz.RawMatrix()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dx := dxr.Data[i*dxr.Stride+j]
				xh := xr.Data[i*xr.Stride+j]
				dzr.Data[i*dzr.Stride+j] = invStd[j] / n * (n*dx - s1[j] - xh*s2[j])
			}
		}

		d = m.linearBackward(params, grads, l, c.inputs[l], dz)
	}
	return grads
}

// concat builds the network input [x | cond | t].
func (m *MLP) concat(x, cond, t *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	width := m.sizes[0]
	out := mat.NewDense(rows, width, nil)
	or := out.RawMatrix()
	xr := x.RawMatrix()
	for i := 0; i < rows; i++ {
		copy(or.Data[i*or.Stride:i*or.Stride+cols], xr.Data[i*xr.Stride:i*xr.Stride+cols])
	}
	off := cols
	if m.conditioned {
		cr := cond.RawMatrix()
		for i := 0; i < rows; i++ {
			copy(or.Data[i*or.Stride+off:i*or.Stride+off+cols], cr.Data[i*cr.Stride:i*cr.Stride+cols])
		}
		off += cols
	}
	for i := 0; i < rows; i++ {
		or.Data[i*or.Stride+off] = t.At(i, 0)
	}
	return out
}

// linear computes in*W + b for layer l.
func (m *MLP) linear(params []float64, l int, in *mat.Dense) *mat.Dense {
	rows, _ := in.Dims()
	fanIn, fanOut := m.sizes[l], m.sizes[l+1]
	w := mat.NewDense(fanIn, fanOut, params[m.wOff[l]:m.wOff[l]+fanIn*fanOut])
	b := params[m.bOff[l] : m.bOff[l]+fanOut]
	out := mat.NewDense(rows, fanOut, nil)
	out.Mul(in, w)
	or := out.RawMatrix()
	for i := 0; i < rows; i++ {
		row := or.Data[i*or.Stride : i*or.Stride+fanOut]
		for j, bv := range b {
			row[j] += bv
		}
	}
	return out
}

// linearBackward accumulates dW and db for layer l into grads and
// returns the gradient with respect to the layer input.
func (m *MLP) linearBackward(params, grads []float64, l int, in, d *mat.Dense) *mat.Dense {
	rows, _ := in.Dims()
	fanIn, fanOut := m.sizes[l], m.sizes[l+1]

	dw := mat.NewDense(fanIn, fanOut, grads[m.wOff[l]:m.wOff[l]+fanIn*fanOut])
	dw.Mul(in.T(), d)

	db := grads[m.bOff[l] : m.bOff[l]+fanOut]
	dr := d.RawMatrix()
	for i := 0; i < rows; i++ {
		for j := 0; j < fanOut; j++ {
			db[j] += dr.Data[i*dr.Stride+j]
		}
	}

	w := mat.NewDense(fanIn, fanOut, params[m.wOff[l]:m.wOff[l]+fanIn*fanOut])
	din := mat.NewDense(rows, fanIn, nil)
	din.Mul(d, w.T())
	return din
}

// batchStats fills per-feature mean and biased variance over the batch.
func batchStats(z *mat.Dense, mean, variance []float64) {
	rows, cols := z.Dims()
	zr := z.RawMatrix()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			mean[j] += zr.Data[i*zr.Stride+j]
		}
	}
	n := float64(rows)
	for j := 0; j < cols; j++ {
		mean[j] /= n
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := zr.Data[i*zr.Stride+j] - mean[j]
			variance[j] += d * d
		}
	}
	for j := 0; j < cols; j++ {
		variance[j] /= n
	}
}
