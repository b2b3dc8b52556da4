package diffusion

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-score-diffusion/chains"
	"github.com/n0madic/go-score-diffusion/score"
)

// testChain builds a synthetic chain: broad prior points with a
// gaussian likelihood peaked at (1, -1) and equal prior-volume weights.
func testChain(t *testing.T, rows int) *chains.NestedSamples {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	data := mat.NewDense(rows, 2+chains.Bookkeeping, nil)
	logw := -math.Log(float64(rows))
	for i := 0; i < rows; i++ {
		x := 3 * rng.NormFloat64()
		y := 3 * rng.NormFloat64()
		logL := -2 * ((x-1)*(x-1) + (y+1)*(y+1))
		data.Set(i, 0, x)
		data.Set(i, 1, y)
		data.Set(i, 2, logL)
		data.Set(i, 3, logL-1)
		data.Set(i, 4, logw)
	}
	chain, err := chains.New(data)
	if err != nil {
		t.Fatalf("chains.New failed: %v", err)
	}
	return chain
}

func testNested(t *testing.T, rows int) *Nested {
	t.Helper()
	n, err := NewNested(testChain(t, rows), score.NewMLP(16, 16),
		WithSteps(50), WithSeed(42))
	if err != nil {
		t.Fatalf("NewNested failed: %v", err)
	}
	return n
}

func TestNewNestedValidation(t *testing.T) {
	if _, err := NewNested(nil, score.NewMLP(8)); err == nil {
		t.Error("expected error for nil chain")
	}
	if _, err := NewNested(testChain(t, 10), score.NewMLP(8), WithSteps(1)); !errors.Is(err, ErrTooFewSteps) {
		t.Errorf("expected ErrTooFewSteps, got %v", err)
	}
	prior, err := NewStandardPrior(5)
	if err != nil {
		t.Fatalf("NewStandardPrior failed: %v", err)
	}
	if _, nerr := NewNested(testChain(t, 10), score.NewMLP(8), WithPrior(prior)); !errors.Is(nerr, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for 5-d prior over 2-d chain, got %v", nerr)
	}
}

func TestNestedSamplePriorStripsBookkeeping(t *testing.T) {
	n := testNested(t, 100)
	samples := n.SamplePrior(25)
	if r, c := samples.Dims(); r != 25 || c != 2 {
		t.Errorf("prior samples are %dx%d, want 25x2", r, c)
	}
	if n.Dims() != 2 {
		t.Errorf("Dims() = %d, want 2", n.Dims())
	}
}

func TestNestedPredictBeforeTrain(t *testing.T) {
	n := testNested(t, 100)
	if _, err := n.Predict(mat.NewDense(4, 2, nil)); !errors.Is(err, ErrNotTrained) {
		t.Errorf("expected ErrNotTrained, got %v", err)
	}
}

func TestNestedTrainAndSample(t *testing.T) {
	n := testNested(t, 400)
	err := n.Train(
		WithEpochs(120),
		WithBatchSize(32),
		WithBetaPrior(0.0),
		WithBetaPosterior(1.0),
	)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if len(n.Losses()) == 0 {
		t.Fatal("loss log is empty")
	}

	samples, err := n.SamplePosterior(20)
	if err != nil {
		t.Fatalf("SamplePosterior failed: %v", err)
	}
	if r, c := samples.Dims(); r != 20 || c != 2 {
		t.Errorf("posterior samples are %dx%d, want 20x2", r, c)
	}
	if !allFinite(samples) {
		t.Error("posterior samples contain non-finite entries")
	}

	final, hist, err := n.SamplePosteriorHistory(5)
	if err != nil {
		t.Fatalf("SamplePosteriorHistory failed: %v", err)
	}
	if want := 49; len(hist) != want {
		t.Errorf("history has %d checkpoints, want %d", len(hist), want)
	}
	if r, c := final.Dims(); r != 5 || c != 2 {
		t.Errorf("final batch is %dx%d, want 5x2", r, c)
	}
}

func TestNestedBatchSizeClampedToChain(t *testing.T) {
	n := testNested(t, 30)
	if err := n.Train(WithEpochs(3), WithBatchSize(1000)); err != nil {
		t.Fatalf("train with oversized batch failed: %v", err)
	}
}

func TestNestedReproducibility(t *testing.T) {
	initial := mat.NewDense(6, 2, []float64{
		0.3, -0.1,
		1.2, 0.4,
		-0.7, 0.9,
		0.0, 0.0,
		2.1, -1.5,
		-0.2, 0.6,
	})

	run := func() *mat.Dense {
		n := testNested(t, 200)
		if err := n.Train(WithEpochs(10), WithBatchSize(16)); err != nil {
			t.Fatalf("train failed: %v", err)
		}
		out, err := n.Predict(initial)
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		return out
	}

	if a, b := run(), run(); !mat.Equal(a, b) {
		t.Error("identical seed and call sequence produced different outputs")
	}
}
