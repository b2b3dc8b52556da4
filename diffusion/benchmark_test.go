package diffusion

import (
	"fmt"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-score-diffusion/score"
)

func BenchmarkSchedule(b *testing.B) {
	s := Schedule{BetaMin: 1e-3, BetaMax: 3}
	b.Run("Var", func(b *testing.B) {
		var sink float64
		for i := 0; i < b.N; i++ {
			sink += s.Var(float64(i%1000) / 1000)
		}
		_ = sink
	})
	b.Run("MeanFactor", func(b *testing.B) {
		var sink float64
		for i := 0; i < b.N; i++ {
			sink += s.MeanFactor(float64(i%1000) / 1000)
		}
		_ = sink
	})
}

func benchModel(b *testing.B, batch int) (*Model, *mat.Dense) {
	b.Helper()
	m, err := New(score.NewMLP(64, 64), WithSteps(100), WithSeed(42))
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	data := mat.NewDense(256, 2, nil)
	rng := m.rng.Split()
	raw := data.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = rng.NormFloat64()
	}
	if err := m.Train(data, WithEpochs(1), WithBatchSize(batch)); err != nil {
		b.Fatalf("train failed: %v", err)
	}
	return m, data
}

func BenchmarkTrainEpoch(b *testing.B) {
	m, data := benchModel(b, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Train(data, WithEpochs(1), WithBatchSize(128)); err != nil {
			b.Fatalf("train failed: %v", err)
		}
	}
}

func BenchmarkLossAndGrad(b *testing.B) {
	m, data := benchModel(b, 128)
	idx := make([]int, 128)
	for i := range idx {
		idx[i] = i
	}
	batch := takeRows(data, idx)
	prior := mat.NewDense(128, 2, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.lossAndGrad(m.state.Params, m.state.Stats, batch, prior, false, m.rng.Split())
	}
}

func BenchmarkPredict(b *testing.B) {
	for _, rows := range []int{10, 100} {
		m, _ := benchModel(b, 128)
		initial, err := m.SamplePrior(rows)
		if err != nil {
			b.Fatalf("SamplePrior failed: %v", err)
		}
		b.Run(fmt.Sprintf("%drows", rows), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := m.Predict(initial); err != nil {
					b.Fatalf("predict failed: %v", err)
				}
			}
		})
	}
}
