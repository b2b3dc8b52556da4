package diffusion

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// CouplingPlan pairs prior-pool rows with data-pool rows for the
// transport-coupled training strategy.
type CouplingPlan interface {
	// Sample returns n matched (prior, data) index pairs.
	Sample(rng *rand.Rand, n int) (priorIdx, dataIdx []int)
}

// CouplingStrategy builds a plan over the full prior and data pools.
// A plan is constructed once per training call.
type CouplingStrategy func(prior, data *mat.Dense) CouplingPlan

// NullCoupling pairs the pools identically on a single uniform index
// draw: no transport is performed.
func NullCoupling(prior, data *mat.Dense) CouplingPlan {
	pr, _ := prior.Dims()
	dr, _ := data.Dims()
	return nullPlan{nPrior: pr, nData: dr}
}

type nullPlan struct {
	nPrior int
	nData  int
}

func (p nullPlan) Sample(rng *rand.Rand, n int) ([]int, []int) {
	priorIdx := make([]int, n)
	dataIdx := make([]int, n)
	for i := 0; i < n; i++ {
		k := rng.Intn(p.nData)
		dataIdx[i] = k
		priorIdx[i] = k % p.nPrior
	}
	return priorIdx, dataIdx
}

// IndependentCoupling draws prior and data indices independently.
func IndependentCoupling(prior, data *mat.Dense) CouplingPlan {
	pr, _ := prior.Dims()
	dr, _ := data.Dims()
	return independentPlan{nPrior: pr, nData: dr}
}

type independentPlan struct {
	nPrior int
	nData  int
}

func (p independentPlan) Sample(rng *rand.Rand, n int) ([]int, []int) {
	priorIdx := make([]int, n)
	dataIdx := make([]int, n)
	for i := 0; i < n; i++ {
		priorIdx[i] = rng.Intn(p.nPrior)
		dataIdx[i] = rng.Intn(p.nData)
	}
	return priorIdx, dataIdx
}
