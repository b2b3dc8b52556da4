package diffusion

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-score-diffusion/chains"
)

// Nested couples the diffusion engine to a weighted nested-sampling
// chain. Training batches are drawn from the chain at two
// inverse-temperatures instead of a fixed data set, and the reverse
// process is conditioned on the prior-temperature batch end to end.
type Nested struct {
	model       *Model
	chain       *chains.NestedSamples
	predictCond func(x, cond, t *mat.Dense) *mat.Dense
}

// WithBetaPrior sets the inverse-temperature of the prior-side chain
// draw (default 0, pure prior weighting).
func WithBetaPrior(beta float64) TrainOption {
	return func(c *trainConfig) { c.betaPrior = beta }
}

// WithBetaPosterior sets the inverse-temperature of the data-side chain
// draw (default 1, full posterior weighting).
func WithBetaPosterior(beta float64) TrainOption {
	return func(c *trainConfig) { c.betaPosterior = beta }
}

// NewNested creates a nested diffusion model over a weighted chain. The
// sample dimensionality is the chain width minus its bookkeeping
// columns and is fixed at construction.
func NewNested(chain *chains.NestedSamples, score ScoreModel, options ...Option) (*Nested, error) {
	if chain == nil {
		return nil, errors.New("diffusion: chain must not be nil")
	}
	m, err := New(score, options...)
	if err != nil {
		return nil, err
	}
	ndims := chain.Dims() - chains.Bookkeeping
	if ndims < 1 {
		return nil, fmt.Errorf("diffusion: chain has no physical coordinates (%d columns)", chain.Dims())
	}
	if m.prior != nil && m.prior.Dims() != ndims {
		return nil, fmt.Errorf("%w: prior is %d-dimensional, chain has %d physical coordinates",
			ErrDimensionMismatch, m.prior.Dims(), ndims)
	}
	m.ndims = ndims
	return &Nested{model: m, chain: chain}, nil
}

// physicalDraw samples the chain reweighted to the given
// inverse-temperature and strips the trailing bookkeeping columns,
// leaving only the physical coordinates.
func (n *Nested) physicalDraw(beta float64, count int) *mat.Dense {
	full := n.chain.SetBeta(beta).Sample(n.model.rng.Split(), count)
	rows, _ := full.Dims()
	return mat.DenseCopyOf(full.Slice(0, rows, 0, n.model.ndims))
}

// SamplePrior draws n samples from the chain at inverse-temperature 0.
func (n *Nested) SamplePrior(count int) *mat.Dense {
	return n.physicalDraw(0, count)
}

// Train fits the conditioned score model by drawing, each epoch, two
// independent chain batches at the configured inverse-temperatures:
// the prior-side draw doubles as the conditioning input.
func (n *Nested) Train(options ...TrainOption) error {
	cfg := defaultTrainConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.epochs < 0 || cfg.batchSize <= 0 {
		return fmt.Errorf("diffusion: epochs must be non-negative and batch size positive, got %d and %d",
			cfg.epochs, cfg.batchSize)
	}
	if cfg.batchSize > n.chain.Len() {
		cfg.batchSize = n.chain.Len()
	}
	if n.model.state == nil || cfg.restart {
		if err := n.model.initState(cfg.lr, true); err != nil {
			return err
		}
	}
	log := lossLogger{}
	for epoch := 0; epoch < cfg.epochs; epoch++ {
		prior := n.physicalDraw(cfg.betaPrior, cfg.batchSize)
		posterior := n.physicalDraw(cfg.betaPosterior, cfg.batchSize)
		loss, err := n.model.step(posterior, prior, true)
		if err != nil {
			return err
		}
		log.add(loss)
		log.flush(n.model, epoch, cfg.epochs)
	}
	n.bindPredict()
	return nil
}

func (n *Nested) bindPredict() {
	params, stats := n.model.state.Params, n.model.state.Stats
	n.predictCond = func(x, cond, t *mat.Dense) *mat.Dense {
		out, _ := n.model.score.Apply(params, stats, x, cond, t, false)
		return out
	}
}

// Predict runs the trained conditioned reverse process on user-provided
// samples. The initial batch doubles as the conditioning input and is
// held fixed across all integration steps.
func (n *Nested) Predict(initial *mat.Dense) (*mat.Dense, error) {
	x, _, err := n.predict(initial, false)
	return x, err
}

// PredictHistory is Predict with the full trajectory.
func (n *Nested) PredictHistory(initial *mat.Dense) (*mat.Dense, []*mat.Dense, error) {
	return n.predict(initial, true)
}

func (n *Nested) predict(initial *mat.Dense, history bool) (*mat.Dense, []*mat.Dense, error) {
	if n.predictCond == nil {
		return nil, nil, ErrNotTrained
	}
	if initial == nil {
		return nil, nil, ErrEmptyData
	}
	if _, cols := initial.Dims(); cols != n.model.ndims {
		return nil, nil, fmt.Errorf("%w: model is %d-dimensional, samples have %d columns",
			ErrDimensionMismatch, n.model.ndims, cols)
	}
	cond := initial
	score := func(x, t *mat.Dense) *mat.Dense {
		return n.predictCond(x, cond, t)
	}
	x, hist := n.model.reverseSDE(initial, score, n.model.rng.Split(), history)
	return x, hist, nil
}

// SamplePosterior draws n samples by annealing prior-temperature chain
// draws through the trained reverse process.
func (n *Nested) SamplePosterior(count int) (*mat.Dense, error) {
	return n.Predict(n.SamplePrior(count))
}

// SamplePosteriorHistory is SamplePosterior with the full trajectory.
func (n *Nested) SamplePosteriorHistory(count int) (*mat.Dense, []*mat.Dense, error) {
	return n.PredictHistory(n.SamplePrior(count))
}

// Rvs is an alias for SamplePosterior.
func (n *Nested) Rvs(count int) (*mat.Dense, error) {
	return n.SamplePosterior(count)
}

// Dims returns the number of physical coordinates.
func (n *Nested) Dims() int { return n.model.ndims }

// Losses returns a copy of the accumulated loss log.
func (n *Nested) Losses() []LossRecord { return n.model.Losses() }
