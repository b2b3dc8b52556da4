// Package chains provides weighted nested-sampling chains with
// inverse-temperature reweighting and weighted resampling.
//
// Chains follow the standard column convention: each row holds the
// physical coordinates followed by three trailing bookkeeping columns —
// log-likelihood, birth log-likelihood and the log prior-volume weight.
// Reweighting to inverse-temperature beta assigns each row the weight
//
//	w_i(beta) ∝ exp(logw_i + beta*logL_i)
//
// so beta=0 recovers prior weighting and beta=1 posterior weighting.
package chains

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Bookkeeping is the number of trailing bookkeeping columns. This
// column convention is an external-format contract.
const Bookkeeping = 3

// Positions of the bookkeeping columns relative to the row end.
const (
	colLogL      = 3
	colLogLBirth = 2
	colLogWeight = 1
)

// NestedSamples is a weighted chain of samples at a fixed
// inverse-temperature. SetBeta produces reweighted views sharing the
// underlying rows.
type NestedSamples struct {
	data *mat.Dense
	beta float64
	cum  []float64 // cumulative normalized weights at the current beta
}

// New creates a chain from rows of (physical..., logL, logL_birth,
// logw) at inverse-temperature 1. The rows are copied.
func New(data *mat.Dense) (*NestedSamples, error) {
	if data == nil {
		return nil, errors.New("chains: data must not be nil")
	}
	rows, cols := data.Dims()
	if rows == 0 {
		return nil, errors.New("chains: data must have at least one row")
	}
	if cols < Bookkeeping+1 {
		return nil, fmt.Errorf("chains: need at least %d columns (one coordinate plus bookkeeping), got %d",
			Bookkeeping+1, cols)
	}
	ns := &NestedSamples{data: mat.DenseCopyOf(data), beta: 1}
	if err := ns.reweight(); err != nil {
		return nil, err
	}
	return ns, nil
}

// Len returns the number of rows in the chain.
func (ns *NestedSamples) Len() int {
	rows, _ := ns.data.Dims()
	return rows
}

// Dims returns the total column count, bookkeeping included.
func (ns *NestedSamples) Dims() int {
	_, cols := ns.data.Dims()
	return cols
}

// Beta returns the chain's current inverse-temperature.
func (ns *NestedSamples) Beta() float64 { return ns.beta }

// SetBeta returns a view of the chain reweighted to the given
// inverse-temperature. The receiver is unchanged.
func (ns *NestedSamples) SetBeta(beta float64) *NestedSamples {
	if beta == ns.beta {
		return ns
	}
	view := &NestedSamples{data: ns.data, beta: beta}
	// The constructor validated the rows; reweighting cannot fail with
	// a finite beta unless the weights degenerate.
	if err := view.reweight(); err != nil {
		panic(err)
	}
	return view
}

// reweight rebuilds the cumulative weight table at the current beta.
func (ns *NestedSamples) reweight() error {
	rows, cols := ns.data.Dims()
	logw := make([]float64, rows)
	for i := 0; i < rows; i++ {
		logL := ns.data.At(i, cols-colLogL)
		lw := ns.data.At(i, cols-colLogWeight)
		logw[i] = lw + ns.beta*logL
	}
	norm := floats.LogSumExp(logw)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return errors.New("chains: degenerate weights after reweighting")
	}
	cum := make([]float64, rows)
	acc := 0.0
	for i, lw := range logw {
		acc += math.Exp(lw - norm)
		cum[i] = acc
	}
	cum[rows-1] = 1
	ns.cum = cum
	return nil
}

// Sample draws n rows with replacement, weighted by the current
// inverse-temperature. Rows keep their bookkeeping columns.
func (ns *NestedSamples) Sample(rng *rand.Rand, n int) *mat.Dense {
	rows, cols := ns.data.Dims()
	out := mat.NewDense(n, cols, nil)
	sr := ns.data.RawMatrix()
	or := out.RawMatrix()
	for i := 0; i < n; i++ {
		r := sort.SearchFloat64s(ns.cum, rng.Float64())
		if r >= rows {
			r = rows - 1
		}
		copy(or.Data[i*or.Stride:i*or.Stride+cols], sr.Data[r*sr.Stride:r*sr.Stride+cols])
	}
	return out
}

// Weights returns the normalized weights at the current
// inverse-temperature.
func (ns *NestedSamples) Weights() []float64 {
	w := make([]float64, len(ns.cum))
	prev := 0.0
	for i, c := range ns.cum {
		w[i] = c - prev
		prev = c
	}
	return w
}
