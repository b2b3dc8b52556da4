package diffusion

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// reverseSDE integrates the learned reverse-time SDE with fixed-step
// Euler-Maruyama over the forward grid, walking time from 1 down to 0
// by evaluating the schedule at 1-t for each forward grid point t:
//
//	disp  = Dispersion(1-t)
//	drift = -Drift(x, 1-t) + disp^2 * score(x, 1-t)
//	x    += dt*drift + sqrt(dt)*disp*noise,  noise ~ N(0, I)
//
// The recursion is strictly sequential across steps; only the rows of a
// step are vectorized. When history is requested the pre-step batch is
// recorded at every grid point, giving steps-1 checkpoints.
func (m *Model) reverseSDE(initial *mat.Dense, score ScoreFunc, rng *rand.Rand, history bool) (*mat.Dense, []*mat.Dense) {
	rows, cols := initial.Dims()
	x := mat.DenseCopyOf(initial)
	var hist []*mat.Dense
	if history {
		hist = make([]*mat.Dense, 0, len(m.grid))
	}

	dt := 1.0 / float64(m.steps-1)
	sqrtDt := math.Sqrt(dt)
	tcol := mat.NewDense(rows, 1, nil)

	for _, t := range m.grid {
		if history {
			hist = append(hist, mat.DenseCopyOf(x))
		}
		rev := 1 - t
		disp := m.schedule.Dispersion(rev)
		disp2 := disp * disp
		beta := m.schedule.Beta(rev)
		for i := 0; i < rows; i++ {
			tcol.Set(i, 0, rev)
		}
		est := score(x, tcol)

		xr := x.RawMatrix()
		er := est.RawMatrix()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				k := i*xr.Stride + j
				// -Drift(x, 1-t) = 0.5*Beta(1-t)*x
				drift := 0.5*beta*xr.Data[k] + disp2*er.Data[i*er.Stride+j]
				xr.Data[k] += dt*drift + sqrtDt*disp*rng.NormFloat64()
			}
		}
	}
	return x, hist
}
