package diffusion

import (
	"math"
	"testing"
)

func TestScheduleNoNoiseAtZero(t *testing.T) {
	s := Schedule{BetaMin: 1e-3, BetaMax: 3}
	if v := s.Var(0); v != 0 {
		t.Errorf("Var(0) = %g, want 0", v)
	}
	if m := s.MeanFactor(0); m != 1 {
		t.Errorf("MeanFactor(0) = %g, want 1", m)
	}
}

func TestScheduleVarMonotonic(t *testing.T) {
	s := Schedule{BetaMin: 1e-3, BetaMax: 3}
	prev := s.Var(0)
	for i := 1; i <= 1000; i++ {
		tt := float64(i) / 1000
		v := s.Var(tt)
		if v < prev {
			t.Fatalf("Var not monotonic at t=%g: %g < %g", tt, v, prev)
		}
		prev = v
	}
	if prev > 1 {
		t.Errorf("Var(1) = %g, want <= 1", prev)
	}
}

func TestScheduleDispersionSquaredEqualsBeta(t *testing.T) {
	const tol = 1e-12
	for _, s := range []Schedule{
		{BetaMin: 1e-3, BetaMax: 3},
		{BetaMin: 1e-5, BetaMax: 1},
		{BetaMin: 0.1, BetaMax: 20},
	} {
		for i := 0; i <= 100; i++ {
			tt := float64(i) / 100
			d := s.Dispersion(tt)
			if diff := math.Abs(d*d - s.Beta(tt)); diff > tol {
				t.Errorf("Dispersion(%g)^2 - Beta(%g) = %g for %+v", tt, tt, diff, s)
			}
		}
	}
}

func TestScheduleAlphaIntegratesBeta(t *testing.T) {
	// Alpha is quadratic, so the central difference is exact up to
	// roundoff.
	const (
		h   = 1e-5
		tol = 1e-7
	)
	s := Schedule{BetaMin: 1e-3, BetaMax: 3}
	for i := 1; i < 100; i++ {
		tt := float64(i) / 100
		deriv := (s.Alpha(tt+h) - s.Alpha(tt-h)) / (2 * h)
		if diff := math.Abs(deriv - s.Beta(tt)); diff > tol {
			t.Errorf("dAlpha/dt(%g) = %g, Beta = %g", tt, deriv, s.Beta(tt))
		}
	}
}

func TestScheduleDriftScalesInput(t *testing.T) {
	s := Schedule{BetaMin: 1e-3, BetaMax: 3}
	for _, tt := range []float64{0, 0.25, 0.5, 1} {
		for _, x := range []float64{-2, -0.5, 0, 1, 3} {
			want := -0.5 * s.Beta(tt) * x
			if got := s.Drift(x, tt); got != want {
				t.Errorf("Drift(%g, %g) = %g, want %g", x, tt, got, want)
			}
		}
	}
}
