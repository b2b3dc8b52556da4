package chains

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// twoPointChain has one high-likelihood row and one low-likelihood row
// with equal prior-volume weights.
func twoPointChain(t *testing.T) *NestedSamples {
	t.Helper()
	data := mat.NewDense(2, 1+Bookkeeping, []float64{
		// x, logL, logL_birth, logw
		1.0, 0.0, -1.0, math.Log(0.5),
		2.0, -100.0, -101.0, math.Log(0.5),
	})
	ns, err := New(data)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ns
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil data")
	}
	if _, err := New(mat.NewDense(2, 3, nil)); err == nil {
		t.Error("expected error for chain without physical coordinates")
	}
}

func TestWeightsInterpolateWithBeta(t *testing.T) {
	const tol = 1e-9
	ns := twoPointChain(t)

	// beta=0: likelihood ignored, equal weights.
	w := ns.SetBeta(0).Weights()
	if math.Abs(w[0]-0.5) > tol || math.Abs(w[1]-0.5) > tol {
		t.Errorf("beta=0 weights = %v, want [0.5 0.5]", w)
	}

	// beta=1: the high-likelihood row dominates.
	w = ns.Weights()
	if w[0] < 1-1e-9 {
		t.Errorf("beta=1 weight of dominant row = %g, want ~1", w[0])
	}

	// Intermediate temperature: ratio = exp(beta * dlogL).
	w = ns.SetBeta(0.01).Weights()
	wantRatio := math.Exp(0.01 * 100)
	if ratio := w[0] / w[1]; math.Abs(ratio-wantRatio)/wantRatio > 1e-6 {
		t.Errorf("beta=0.01 weight ratio = %g, want %g", ratio, wantRatio)
	}
}

func TestSetBetaDoesNotMutate(t *testing.T) {
	ns := twoPointChain(t)
	view := ns.SetBeta(0)
	if ns.Beta() != 1 {
		t.Errorf("receiver beta changed to %g", ns.Beta())
	}
	if view.Beta() != 0 {
		t.Errorf("view beta = %g, want 0", view.Beta())
	}
	if view.Len() != ns.Len() || view.Dims() != ns.Dims() {
		t.Error("view geometry differs from receiver")
	}
}

func TestSampleKeepsBookkeepingColumns(t *testing.T) {
	ns := twoPointChain(t)
	rng := rand.New(rand.NewSource(1))
	out := ns.SetBeta(0).Sample(rng, 50)
	if r, c := out.Dims(); r != 50 || c != 1+Bookkeeping {
		t.Fatalf("samples are %dx%d, want 50x%d", r, c, 1+Bookkeeping)
	}
	// Every sampled row must be one of the source rows, intact.
	for i := 0; i < 50; i++ {
		x := out.At(i, 0)
		if x != 1.0 && x != 2.0 {
			t.Fatalf("row %d has unknown coordinate %g", i, x)
		}
		wantLogL := 0.0
		if x == 2.0 {
			wantLogL = -100.0
		}
		if out.At(i, 1) != wantLogL {
			t.Errorf("row %d bookkeeping corrupted: logL = %g, want %g", i, out.At(i, 1), wantLogL)
		}
	}
}

func TestSampleFollowsWeights(t *testing.T) {
	ns := twoPointChain(t)
	rng := rand.New(rand.NewSource(2))

	// At beta=1 the second row has relative weight exp(-100); all draws
	// must hit the first row.
	out := ns.Sample(rng, 1000)
	for i := 0; i < 1000; i++ {
		if out.At(i, 0) != 1.0 {
			t.Fatalf("draw %d hit the exp(-100)-weighted row", i)
		}
	}

	// At beta=0 both rows appear, roughly evenly.
	out = ns.SetBeta(0).Sample(rng, 2000)
	count := 0
	for i := 0; i < 2000; i++ {
		if out.At(i, 0) == 1.0 {
			count++
		}
	}
	if count < 850 || count > 1150 {
		t.Errorf("beta=0 drew the first row %d/2000 times, want ~1000", count)
	}
}
