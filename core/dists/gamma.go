package dists

import (
	"math"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

// Gamma is a Gamma distribution in shape/rate parameterization. The zero
// value is invalid; construct through NewGamma.
type Gamma struct {
	Shape float64
	Rate  float64
}

// NewGamma validates and returns a Gamma with the given shape and rate.
func NewGamma(shape, rate float64) (Gamma, error) {
	if !(shape > 0) || !(rate > 0) || math.IsInf(shape, 0) || math.IsInf(rate, 0) {
		return Gamma{}, coreerrors.Numerical("gamma", "",
			"shape %v and rate %v must be positive and finite", shape, rate)
	}
	return Gamma{Shape: shape, Rate: rate}, nil
}

// Mean returns ⟨γ⟩ = a/b.
func (g Gamma) Mean() float64 {
	return g.Shape / g.Rate
}

// MeanLog returns ⟨ln γ⟩ = ψ(a) − ln b.
func (g Gamma) MeanLog() float64 {
	return Digamma(g.Shape) - math.Log(g.Rate)
}

// Variance returns a/b².
func (g Gamma) Variance() float64 {
	return g.Shape / (g.Rate * g.Rate)
}

// Entropy returns a − ln b + ln Γ(a) + (1−a)·ψ(a).
func (g Gamma) Entropy() float64 {
	return g.Shape - math.Log(g.Rate) + LnGamma(g.Shape) + (1-g.Shape)*Digamma(g.Shape)
}

// ExpectedLogPrior returns ⟨ln Gamma(γ; a₀, b₀)⟩ under this posterior:
// a₀·ln b₀ − ln Γ(a₀) + (a₀−1)·⟨ln γ⟩ − b₀·⟨γ⟩.
func (g Gamma) ExpectedLogPrior(shape0, rate0 float64) float64 {
	return shape0*math.Log(rate0) - LnGamma(shape0) + (shape0-1)*g.MeanLog() - rate0*g.Mean()
}
