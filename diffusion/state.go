package diffusion

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	adamw "github.com/n0madic/go-adamw"
)

// LossRecord is one periodic entry of the training loss log.
type LossRecord struct {
	MeanLoss float64
	Epoch    int
}

// TrainState aggregates everything the training loop owns: the current
// parameters, the normalization-layer running statistics, the
// optimizer, and the accumulated loss log. Every gradient step replaces
// the state wholesale; callers never observe a partially updated value.
type TrainState struct {
	Params []float64
	Stats  []float64
	Losses []LossRecord

	opt *adamw.Optimizer
}

func newTrainState(params, stats []float64, lr float64) (*TrainState, error) {
	opt, err := adamw.New(params, adamw.Options{Alpha: lr})
	if err != nil {
		return nil, err
	}
	return &TrainState{Params: params, Stats: stats, opt: opt}, nil
}

// applyGradients returns a new state with one optimizer update applied
// to a fresh copy of the parameters and the statistics replaced.
func (st *TrainState) applyGradients(grads, stats []float64) (*TrainState, error) {
	params := make([]float64, len(st.Params))
	copy(params, st.Params)
	if err := st.opt.Step(params, grads); err != nil {
		return nil, err
	}
	next := &TrainState{
		Params: params,
		Stats:  stats,
		Losses: st.Losses,
		opt:    st.opt,
	}
	return next, nil
}

// modelSnapshot is the serializable form of a trained model. The
// optimizer moments are not serialized; a loaded model that is trained
// further starts from fresh optimizer state.
type modelSnapshot struct {
	Version  int
	BetaMin  float64
	BetaMax  float64
	Steps    int
	NDims    int
	RngState uint64
	Params   []float64
	Stats    []float64
	Losses   []LossRecord
}

// Save serializes the model's schedule, dimensions, random state and
// trainable state to gob format.
func (m *Model) Save(w io.Writer) error {
	if m.state == nil {
		return ErrNotTrained
	}
	snap := modelSnapshot{
		Version:  1,
		BetaMin:  m.schedule.BetaMin,
		BetaMax:  m.schedule.BetaMax,
		Steps:    m.steps,
		NDims:    m.ndims,
		RngState: m.rng.state,
		Params:   m.state.Params,
		Stats:    m.state.Stats,
		Losses:   m.state.Losses,
	}
	return gob.NewEncoder(w).Encode(snap)
}

// Load restores a model saved with Save. The score model must be the
// same architecture that produced the snapshot; its parameter shapes
// are re-established from a dummy forward pass and then overwritten.
func Load(r io.Reader, score ScoreModel, options ...Option) (*Model, error) {
	var snap modelSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, err
	}
	if snap.Version != 1 {
		return nil, errors.New("diffusion: unsupported snapshot version")
	}
	options = append(options,
		WithBetaBounds(snap.BetaMin, snap.BetaMax),
		WithSteps(snap.Steps),
	)
	m, err := New(score, options...)
	if err != nil {
		return nil, err
	}
	m.ndims = snap.NDims
	// Shape establishment only; the snapshot stream is restored after.
	params, _ := score.Init(m.rng.Split(), snap.NDims, false)
	if len(params) != len(snap.Params) {
		return nil, fmt.Errorf("diffusion: snapshot holds %d parameters but the score model has %d", len(snap.Params), len(params))
	}
	m.rng.state = snap.RngState
	m.state, err = newTrainState(snap.Params, snap.Stats, defaultLearningRate)
	if err != nil {
		return nil, err
	}
	m.state.Losses = snap.Losses
	m.bindPredict()
	return m, nil
}
