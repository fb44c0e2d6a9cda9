// Package dists provides the exponential-family posterior records the node
// types carry: Gaussian mean/covariance blocks and Gamma shape/rate pairs,
// with the moments, entropies and expected log densities coordinate ascent
// consumes.
package dists

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// Ln2Pi is ln(2π), the Gaussian normalization constant.
const Ln2Pi = 1.8378770664093454835606594728112352797227949472755668

// Digamma returns ψ(x), the logarithmic derivative of the gamma function.
func Digamma(x float64) float64 {
	return mathext.Digamma(x)
}

// LnGamma returns ln Γ(x) for x > 0.
func LnGamma(x float64) float64 {
	lg, _ := math.Lgamma(x)
	return lg
}
