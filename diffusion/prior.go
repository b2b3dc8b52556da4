package diffusion

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Prior supplies initial-condition samples in data space.
type Prior interface {
	// Sample draws n rows using the provided generator.
	Sample(rng *rand.Rand, n int) *mat.Dense
	// Dims reports the sample width.
	Dims() int
}

// NormalPrior is a multivariate normal prior N(mu, sigma), sampled via
// the Cholesky factor of the covariance: x = mu + L*z, z ~ N(0, I).
type NormalPrior struct {
	mu   []float64
	chol *mat.TriDense
}

// NewNormalPrior creates a multivariate normal prior. The covariance
// must be symmetric positive definite.
func NewNormalPrior(mu []float64, sigma *mat.SymDense) (*NormalPrior, error) {
	if len(mu) == 0 {
		return nil, errors.New("diffusion: prior mean must be non-empty")
	}
	n, _ := sigma.Dims()
	if n != len(mu) {
		return nil, fmt.Errorf("diffusion: prior covariance is %dx%d but mean has %d entries", n, n, len(mu))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sigma); !ok {
		return nil, errors.New("diffusion: prior covariance is not positive definite")
	}
	L := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(L)
	m := make([]float64, len(mu))
	copy(m, mu)
	return &NormalPrior{mu: m, chol: L}, nil
}

// NewStandardPrior creates a standard normal prior of the given width.
func NewStandardPrior(ndims int) (*NormalPrior, error) {
	if ndims <= 0 {
		return nil, fmt.Errorf("diffusion: prior dimension must be positive, got %d", ndims)
	}
	mu := make([]float64, ndims)
	sigma := mat.NewSymDense(ndims, nil)
	for i := 0; i < ndims; i++ {
		sigma.SetSym(i, i, 1)
	}
	return NewNormalPrior(mu, sigma)
}

// Dims reports the sample width.
func (p *NormalPrior) Dims() int { return len(p.mu) }

// Sample draws n rows x = mu + L*z with fresh standard normals z.
func (p *NormalPrior) Sample(rng *rand.Rand, n int) *mat.Dense {
	d := len(p.mu)
	out := mat.NewDense(n, d, nil)
	z := make([]float64, d)
	raw := out.RawMatrix()
	for i := 0; i < n; i++ {
		for j := range z {
			z[j] = rng.NormFloat64()
		}
		row := raw.Data[i*raw.Stride : i*raw.Stride+d]
		for j := 0; j < d; j++ {
			v := p.mu[j]
			// L is lower triangular, so the sum stops at the diagonal.
			for k := 0; k <= j; k++ {
				v += p.chol.At(j, k) * z[k]
			}
			row[j] = v
		}
	}
	return out
}
