package diffusion

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ScoreModel is the trainable collaborator approximating the score of
// the noised data distribution. Parameters and normalization statistics
// travel as flat vectors owned by the training loop; the model itself
// holds only architecture.
//
// The conditioning batch cond is nil for the unconditional variant. A
// non-nil cond must have the same shape as x and is the conditioned
// variant's third call argument.
type ScoreModel interface {
	// Init establishes parameter shapes from a zero-valued dummy
	// forward pass for ndims-dimensional inputs and returns freshly
	// initialized parameters and normalization statistics.
	Init(rng *rand.Rand, ndims int, conditioned bool) (params, stats []float64)

	// Apply evaluates the score estimate for a batch x at per-row
	// times t (a single column). In training mode the returned
	// statistics carry updated normalization state; in evaluation mode
	// the statistics are returned unchanged and no batch-dependent
	// behaviour is exercised.
	Apply(params, stats []float64, x, cond, t *mat.Dense, train bool) (*mat.Dense, []float64)

	// ApplyBackward evaluates in training mode and returns, alongside
	// the estimate and updated statistics, a backward pass mapping the
	// upstream gradient dLoss/doutput to parameter gradients.
	ApplyBackward(params, stats []float64, x, cond, t *mat.Dense) (out *mat.Dense, updated []float64, backward func(upstream *mat.Dense) []float64)
}

// ScoreFunc is a trained score estimate consumed by the reverse
// integrator. Conditioned models bind their conditioning batch before
// handing a ScoreFunc to the integrator.
type ScoreFunc func(x, t *mat.Dense) *mat.Dense
