package diffusion

import "math"

// Schedule holds the noise schedule of a variance-preserving diffusion
// SDE. All methods are pure functions of a normalized time t in [0, 1];
// callers apply them elementwise or per row as needed.
type Schedule struct {
	BetaMin float64
	BetaMax float64
}

// Beta is the instantaneous noise rate, linear in t.
func (s Schedule) Beta(t float64) float64 {
	return s.BetaMin + t*(s.BetaMax-s.BetaMin)
}

// Alpha is the cumulative noise rate, the time-integral of Beta.
func (s Schedule) Alpha(t float64) float64 {
	return t*s.BetaMin + 0.5*t*t*(s.BetaMax-s.BetaMin)
}

// MeanFactor is the multiplicative shrinkage applied to a clean sample
// at noise level t.
func (s Schedule) MeanFactor(t float64) float64 {
	return math.Exp(-0.5 * s.Alpha(t))
}

// Var is the noise variance at level t: zero at t=0, approaching the
// prior's unit variance as Alpha grows.
func (s Schedule) Var(t float64) float64 {
	return 1 - math.Exp(-s.Alpha(t))
}

// Drift is the forward-process drift, negated during reverse integration.
func (s Schedule) Drift(x, t float64) float64 {
	return -0.5 * s.Beta(t) * x
}

// Dispersion is the forward-process diffusion coefficient.
func (s Schedule) Dispersion(t float64) float64 {
	return math.Sqrt(s.Beta(t))
}
