// Package diffusion implements score-based diffusion generative models:
// a variance-preserving noise schedule, a fixed-step Euler-Maruyama
// reverse-time integrator, a denoising score-matching training loop with
// pluggable minibatch strategies, and a nested-sampling variant that
// conditions the reverse process on prior-temperature draws.
//
// The trainable score function, the optimizer and the batch-coupling
// strategy are external collaborators; the package defines their
// contracts and owns everything that orchestrates them.
package diffusion

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooFewSteps reports a discretization with fewer than two points.
	ErrTooFewSteps = errors.New("diffusion: steps must be at least 2")
	// ErrNoDimensions reports a stochastic operation that needs the
	// sample dimensionality before any prior or training data set it.
	ErrNoDimensions = errors.New("diffusion: sample dimensionality unknown; set a prior or train first")
	// ErrEmptyData reports an empty training batch.
	ErrEmptyData = errors.New("diffusion: training data is empty")
	// ErrDimensionMismatch reports data whose width differs from the
	// dimensionality established earlier.
	ErrDimensionMismatch = errors.New("diffusion: sample dimensionality mismatch")
	// ErrNotTrained reports inference requested before any training call.
	ErrNotTrained = errors.New("diffusion: model has not been trained")
)

const (
	defaultSteps        = 1000
	defaultBetaMin      = 1e-3
	defaultBetaMax      = 3
	defaultSeed         = 2022
	defaultBatchSize    = 128
	defaultEpochs       = 1000
	defaultLearningRate = 1e-3

	// lossLogInterval is the epoch period of the loss-log appends. The
	// recorded value is the running mean over all losses of the current
	// training call, not a windowed mean.
	lossLogInterval = 100
)

// Strategy selects how training minibatches are formed.
type Strategy int

const (
	// StrategyPermutation draws a fresh random permutation of the data
	// each epoch, partitions it into complete minibatches and runs one
	// gradient step per minibatch, row-aligned with the prior pool.
	StrategyPermutation Strategy = iota
	// StrategyTransport builds one coupling plan per training call over
	// the full prior and data pools and draws a single matched
	// minibatch per epoch.
	StrategyTransport
)

// Model is a score-based diffusion generative model. It owns the noise
// schedule, the integration grid, the evolving random state and the
// trainable state; concurrent calls on one instance are not safe.
type Model struct {
	schedule Schedule
	steps    int
	grid     []float64 // forward time grid: i/(steps-1), i = 1..steps-1
	prior    Prior
	coupling CouplingStrategy
	strategy Strategy
	score    ScoreModel
	rng      *Stream

	ndims     int
	state     *TrainState
	predictFn ScoreFunc
}

// Option configures a Model at construction.
type Option func(*Model)

// WithSteps sets the number of discretization points (default 1000).
func WithSteps(steps int) Option {
	return func(m *Model) { m.steps = steps }
}

// WithBetaBounds sets the noise-rate bounds of the schedule
// (default 1e-3 and 3).
func WithBetaBounds(betaMin, betaMax float64) Option {
	return func(m *Model) { m.schedule = Schedule{BetaMin: betaMin, BetaMax: betaMax} }
}

// WithPrior sets an analytic prior distribution. Without one the model
// falls back to standard-normal prior samples and a zero prior pool
// during training.
func WithPrior(p Prior) Option {
	return func(m *Model) { m.prior = p }
}

// WithSeed sets the seed of the model's random stream (default 2022).
func WithSeed(seed int64) Option {
	return func(m *Model) { m.rng = NewStream(seed) }
}

// WithStrategy selects the minibatch strategy (default StrategyPermutation).
func WithStrategy(s Strategy) Option {
	return func(m *Model) { m.strategy = s }
}

// WithCoupling sets the coupling strategy used by StrategyTransport
// (default NullCoupling).
func WithCoupling(c CouplingStrategy) Option {
	return func(m *Model) { m.coupling = c }
}

// New creates a diffusion model around a trainable score model.
func New(score ScoreModel, options ...Option) (*Model, error) {
	m := &Model{
		schedule: Schedule{BetaMin: defaultBetaMin, BetaMax: defaultBetaMax},
		steps:    defaultSteps,
		coupling: NullCoupling,
		strategy: StrategyPermutation,
		score:    score,
		rng:      NewStream(defaultSeed),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.score == nil {
		return nil, errors.New("diffusion: score model must not be nil")
	}
	if m.steps < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewSteps, m.steps)
	}
	if m.schedule.BetaMin <= 0 || m.schedule.BetaMax <= m.schedule.BetaMin {
		return nil, fmt.Errorf("diffusion: need 0 < betaMin < betaMax, got %g and %g",
			m.schedule.BetaMin, m.schedule.BetaMax)
	}
	if m.coupling == nil {
		return nil, errors.New("diffusion: coupling strategy must not be nil")
	}
	if m.prior != nil {
		m.ndims = m.prior.Dims()
	}
	m.grid = make([]float64, m.steps-1)
	for i := range m.grid {
		m.grid[i] = float64(i+1) / float64(m.steps-1)
	}
	return m, nil
}

// Schedule returns the model's noise schedule.
func (m *Model) Schedule() Schedule { return m.schedule }

// Steps returns the number of discretization points.
func (m *Model) Steps() int { return m.steps }

// Dims returns the established sample dimensionality, zero if unknown.
func (m *Model) Dims() int { return m.ndims }

// Losses returns a copy of the accumulated loss log.
func (m *Model) Losses() []LossRecord {
	if m.state == nil {
		return nil
	}
	out := make([]LossRecord, len(m.state.Losses))
	copy(out, m.state.Losses)
	return out
}

// TrainOption configures a single training call.
type TrainOption func(*trainConfig)

type trainConfig struct {
	restart       bool
	batchSize     int
	epochs        int
	lr            float64
	betaPrior     float64
	betaPosterior float64
}

func defaultTrainConfig() trainConfig {
	return trainConfig{
		batchSize:     defaultBatchSize,
		epochs:        defaultEpochs,
		lr:            defaultLearningRate,
		betaPrior:     0,
		betaPosterior: 1,
	}
}

// WithRestart forces reinitialization of the trainable state before
// training when restart is true.
func WithRestart(restart bool) TrainOption {
	return func(c *trainConfig) { c.restart = restart }
}

// WithBatchSize sets the minibatch size (default 128). A batch size
// exceeding the available data rows is clamped to the data size.
func WithBatchSize(n int) TrainOption {
	return func(c *trainConfig) { c.batchSize = n }
}

// WithEpochs sets the number of training epochs (default 1000).
func WithEpochs(n int) TrainOption {
	return func(c *trainConfig) { c.epochs = n }
}

// WithLearningRate sets the optimizer learning rate (default 1e-3).
func WithLearningRate(lr float64) TrainOption {
	return func(c *trainConfig) { c.lr = lr }
}

// Train fits the score model to the provided data with denoising score
// matching. The data dimensionality is inferred on the first call and
// is immutable thereafter.
func (m *Model) Train(data *mat.Dense, options ...TrainOption) error {
	cfg := defaultTrainConfig()
	for _, opt := range options {
		opt(&cfg)
	}
	if data == nil {
		return ErrEmptyData
	}
	rows, cols := data.Dims()
	if rows == 0 || cols == 0 {
		return ErrEmptyData
	}
	if cfg.epochs < 0 || cfg.batchSize <= 0 {
		return fmt.Errorf("diffusion: epochs must be non-negative and batch size positive, got %d and %d",
			cfg.epochs, cfg.batchSize)
	}
	if m.ndims != 0 && m.ndims != cols {
		return fmt.Errorf("%w: model is %d-dimensional, data has %d columns",
			ErrDimensionMismatch, m.ndims, cols)
	}
	m.ndims = cols

	if m.state == nil || cfg.restart {
		if err := m.initState(cfg.lr, false); err != nil {
			return err
		}
	}
	if err := m.train(data, cfg); err != nil {
		return err
	}
	m.bindPredict()
	return nil
}

// initState builds the trainable state from a dummy forward pass plus a
// fresh optimizer and resets the loss log.
func (m *Model) initState(lr float64, conditioned bool) error {
	params, stats := m.score.Init(m.rng.Split(), m.ndims, conditioned)
	if len(params) == 0 {
		return errors.New("diffusion: score model produced no parameters")
	}
	state, err := newTrainState(params, stats, lr)
	if err != nil {
		return err
	}
	m.state = state
	return nil
}

func (m *Model) train(data *mat.Dense, cfg trainConfig) error {
	rows, _ := data.Dims()

	var priorPool *mat.Dense
	if m.prior != nil {
		priorPool = m.prior.Sample(m.rng.Split(), rows)
	} else {
		// Without an analytic prior the noise term carries no offset.
		priorPool = mat.NewDense(rows, m.ndims, nil)
	}

	batchSize := cfg.batchSize
	if batchSize > rows {
		batchSize = rows
	}

	switch m.strategy {
	case StrategyTransport:
		return m.trainTransport(data, priorPool, batchSize, cfg)
	default:
		return m.trainPermutation(data, priorPool, batchSize, cfg)
	}
}

func (m *Model) trainPermutation(data, priorPool *mat.Dense, batchSize int, cfg trainConfig) error {
	rows, _ := data.Dims()
	stepsPerEpoch := rows / batchSize
	log := lossLogger{}
	for epoch := 0; epoch < cfg.epochs; epoch++ {
		perm := m.rng.Split().Perm(rows)
		for s := 0; s < stepsPerEpoch; s++ {
			idx := perm[s*batchSize : (s+1)*batchSize]
			loss, err := m.step(takeRows(data, idx), takeRows(priorPool, idx), false)
			if err != nil {
				return err
			}
			log.add(loss)
		}
		log.flush(m, epoch, cfg.epochs)
	}
	return nil
}

func (m *Model) trainTransport(data, priorPool *mat.Dense, batchSize int, cfg trainConfig) error {
	plan := m.coupling(priorPool, data)
	log := lossLogger{}
	for epoch := 0; epoch < cfg.epochs; epoch++ {
		priorIdx, dataIdx := plan.Sample(m.rng.Split(), batchSize)
		loss, err := m.step(takeRows(data, dataIdx), takeRows(priorPool, priorIdx), false)
		if err != nil {
			return err
		}
		log.add(loss)
		log.flush(m, epoch, cfg.epochs)
	}
	return nil
}

// step runs one gradient step and replaces the trainable state.
func (m *Model) step(batch, batchPrior *mat.Dense, conditioned bool) (float64, error) {
	loss, grads, stats := m.lossAndGrad(m.state.Params, m.state.Stats, batch, batchPrior, conditioned, m.rng.Split())
	next, err := m.state.applyGradients(grads, stats)
	if err != nil {
		return 0, err
	}
	m.state = next
	return loss, nil
}

// lossLogger accumulates per-step losses for one training call and
// appends the all-time running mean to the model's loss log every
// lossLogInterval epochs and once more at the end of the call.
type lossLogger struct {
	sum        float64
	count      int
	lastLogged int
}

func (l *lossLogger) add(loss float64) {
	l.sum += loss
	l.count++
}

func (l *lossLogger) flush(m *Model, epoch, epochs int) {
	periodic := (epoch+1)%lossLogInterval == 0
	final := epoch == epochs-1
	if l.count == 0 || !(periodic || final) {
		return
	}
	if !periodic && l.lastLogged == l.count {
		return
	}
	m.state.Losses = append(m.state.Losses, LossRecord{
		MeanLoss: l.sum / float64(l.count),
		Epoch:    epoch,
	})
	l.lastLogged = l.count
}

// bindPredict closes the inference entry point over the just-trained
// parameters and statistics in evaluation mode.
func (m *Model) bindPredict() {
	params, stats := m.state.Params, m.state.Stats
	m.predictFn = func(x, t *mat.Dense) *mat.Dense {
		out, _ := m.score.Apply(params, stats, x, nil, t, false)
		return out
	}
}

// SamplePrior draws n samples from the prior distribution: the analytic
// prior when one is set, standard normals otherwise.
func (m *Model) SamplePrior(n int) (*mat.Dense, error) {
	if m.prior != nil {
		return m.prior.Sample(m.rng.Split(), n), nil
	}
	if m.ndims == 0 {
		return nil, ErrNoDimensions
	}
	rng := m.rng.Split()
	out := mat.NewDense(n, m.ndims, nil)
	raw := out.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = rng.NormFloat64()
	}
	return out, nil
}

// Predict runs the trained reverse process on user-provided samples.
func (m *Model) Predict(initial *mat.Dense) (*mat.Dense, error) {
	x, _, err := m.predict(initial, false)
	return x, err
}

// PredictHistory runs the trained reverse process and additionally
// returns the full trajectory, one checkpoint per grid point.
func (m *Model) PredictHistory(initial *mat.Dense) (*mat.Dense, []*mat.Dense, error) {
	return m.predict(initial, true)
}

func (m *Model) predict(initial *mat.Dense, history bool) (*mat.Dense, []*mat.Dense, error) {
	if m.predictFn == nil {
		return nil, nil, ErrNotTrained
	}
	if initial == nil {
		return nil, nil, ErrEmptyData
	}
	if _, cols := initial.Dims(); cols != m.ndims {
		return nil, nil, fmt.Errorf("%w: model is %d-dimensional, samples have %d columns",
			ErrDimensionMismatch, m.ndims, cols)
	}
	x, hist := m.reverseSDE(initial, m.predictFn, m.rng.Split(), history)
	return x, hist, nil
}

// SamplePosterior draws n samples from the learned distribution.
func (m *Model) SamplePosterior(n int) (*mat.Dense, error) {
	initial, err := m.SamplePrior(n)
	if err != nil {
		return nil, err
	}
	return m.Predict(initial)
}

// SamplePosteriorHistory draws n samples and returns the trajectory.
func (m *Model) SamplePosteriorHistory(n int) (*mat.Dense, []*mat.Dense, error) {
	initial, err := m.SamplePrior(n)
	if err != nil {
		return nil, nil, err
	}
	return m.PredictHistory(initial)
}

// Rvs is an alias for SamplePosterior.
func (m *Model) Rvs(n int) (*mat.Dense, error) {
	return m.SamplePosterior(n)
}

// takeRows copies the indexed rows of src into a new matrix.
func takeRows(src *mat.Dense, idx []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(idx), cols, nil)
	sr := src.RawMatrix()
	or := out.RawMatrix()
	for i, r := range idx {
		copy(or.Data[i*or.Stride:i*or.Stride+cols], sr.Data[r*sr.Stride:r*sr.Stride+cols])
	}
	return out
}
