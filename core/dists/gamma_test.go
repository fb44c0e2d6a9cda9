package dists

import (
	"math"
	"testing"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

func TestNewGammaValidation(t *testing.T) {
	cases := []struct {
		name  string
		shape float64
		rate  float64
		ok    bool
	}{
		{"valid", 2, 3, true},
		{"zero shape", 0, 1, false},
		{"negative rate", 1, -1, false},
		{"nan shape", math.NaN(), 1, false},
		{"inf rate", 1, math.Inf(1), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGamma(tc.shape, tc.rate)
			if tc.ok && err != nil {
				t.Fatalf("NewGamma(%v, %v): %v", tc.shape, tc.rate, err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !coreerrors.IsNumerical(err) {
					t.Fatalf("error kind = %v, want numerical", coreerrors.GetKind(err))
				}
			}
		})
	}
}

func TestGammaMoments(t *testing.T) {
	g, err := NewGamma(5, 20)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}

	if got := g.Mean(); math.Abs(got-0.25) > 1e-15 {
		t.Fatalf("Mean = %v, want 0.25", got)
	}
	if got := g.Variance(); math.Abs(got-5.0/400.0) > 1e-15 {
		t.Fatalf("Variance = %v, want %v", got, 5.0/400.0)
	}

	// Jensen: ⟨ln γ⟩ < ln⟨γ⟩ strictly for a non-degenerate distribution.
	if g.MeanLog() >= math.Log(g.Mean()) {
		t.Fatalf("MeanLog %v should be below ln(Mean) %v", g.MeanLog(), math.Log(g.Mean()))
	}
}

func TestGammaMeanLogDigamma(t *testing.T) {
	// ψ(1) = −γ_EM, so Gamma(1,1) has ⟨ln γ⟩ = −γ_EM.
	const eulerMascheroni = 0.5772156649015328606

	g, _ := NewGamma(1, 1)
	if got := g.MeanLog(); math.Abs(got+eulerMascheroni) > 1e-12 {
		t.Fatalf("MeanLog = %v, want %v", got, -eulerMascheroni)
	}
}

func TestGammaEntropy(t *testing.T) {
	// Gamma(1, b) is exponential with rate b: H = 1 − ln b.
	for _, rate := range []float64{0.5, 1, 4} {
		g, _ := NewGamma(1, rate)
		want := 1 - math.Log(rate)
		if got := g.Entropy(); math.Abs(got-want) > 1e-12 {
			t.Fatalf("Entropy(1, %v) = %v, want %v", rate, got, want)
		}
	}
}

func TestGammaExpectedLogPriorAtPrior(t *testing.T) {
	// When the posterior equals the prior, ⟨ln p⟩ + H is −KL(q‖p) = 0, so
	// ⟨ln p⟩ must equal −H.
	g, _ := NewGamma(2.5, 4)
	elp := g.ExpectedLogPrior(2.5, 4)
	if math.Abs(elp+g.Entropy()) > 1e-12 {
		t.Fatalf("⟨ln p⟩ = %v, want %v", elp, -g.Entropy())
	}
}

func TestGammaKLNonNegative(t *testing.T) {
	// −(⟨ln p⟩ + H) is a KL divergence, never negative.
	q, _ := NewGamma(7, 2)
	for _, prior := range [][2]float64{{1e-3, 1e-3}, {1, 1}, {10, 0.5}} {
		kl := -(q.ExpectedLogPrior(prior[0], prior[1]) + q.Entropy())
		if kl < -1e-12 {
			t.Fatalf("KL against Gamma(%v, %v) = %v, must be non-negative", prior[0], prior[1], kl)
		}
	}
}
