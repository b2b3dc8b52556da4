package diffusion

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// lossAndGrad computes the denoising score-matching objective for one
// minibatch, together with the parameter gradient and the updated
// normalization statistics. The noise term combines the paired prior
// batch with fresh gaussian noise; the model is penalized for failing
// to predict the negative rescaled injected noise:
//
//	loss = mean((noise + output*std)^2)
//
// When conditioned is true the prior batch is additionally fed to the
// score model as its conditioning input.
func (m *Model) lossAndGrad(params, stats []float64, batch, batchPrior *mat.Dense, conditioned bool, rng *rand.Rand) (float64, []float64, []float64) {
	rows, cols := batch.Dims()

	// Per-row integer time indices uniform on {1, ..., steps-1},
	// normalized into (0, 1].
	t := mat.NewDense(rows, 1, nil)
	meanCoeff := make([]float64, rows)
	stds := make([]float64, rows)
	for i := 0; i < rows; i++ {
		ti := float64(1+rng.Intn(m.steps-1)) / float64(m.steps-1)
		t.Set(i, 0, ti)
		meanCoeff[i] = m.schedule.MeanFactor(ti)
		stds[i] = math.Sqrt(m.schedule.Var(ti))
	}

	noise := mat.NewDense(rows, cols, nil)
	xt := mat.NewDense(rows, cols, nil)
	nr := noise.RawMatrix()
	xr := xt.RawMatrix()
	br := batch.RawMatrix()
	pr := batchPrior.RawMatrix()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			n := pr.Data[i*pr.Stride+j] + rng.NormFloat64()
			nr.Data[i*nr.Stride+j] = n
			xr.Data[i*xr.Stride+j] = br.Data[i*br.Stride+j]*meanCoeff[i] + n*stds[i]
		}
	}

	var cond *mat.Dense
	if conditioned {
		cond = batchPrior
	}
	out, updated, backward := m.score.ApplyBackward(params, stats, xt, cond, t)

	// residual r = noise + output*std, loss = mean(r^2),
	// dLoss/doutput = 2*std*r / (rows*cols)
	or := out.RawMatrix()
	upstream := mat.NewDense(rows, cols, nil)
	ur := upstream.RawMatrix()
	var loss float64
	inv := 1.0 / float64(rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			r := nr.Data[i*nr.Stride+j] + or.Data[i*or.Stride+j]*stds[i]
			loss += r * r
			ur.Data[i*ur.Stride+j] = 2 * stds[i] * r * inv
		}
	}
	loss *= inv

	return loss, backward(upstream), updated
}
