package dists

import (
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/linalg"
)

// Gaussian is a multivariate Gaussian posterior with moment parameters.
type Gaussian struct {
	Mean *mat.VecDense
	Cov  *mat.SymDense
}

// NewGaussian returns a Gaussian with the given mean and covariance.
func NewGaussian(mean *mat.VecDense, cov *mat.SymDense) Gaussian {
	return Gaussian{Mean: mean, Cov: cov}
}

// StandardGaussian returns a zero-mean unit-covariance Gaussian of the
// given dimension.
func StandardGaussian(dim int) Gaussian {
	return Gaussian{Mean: mat.NewVecDense(dim, nil), Cov: linalg.Eye(dim)}
}

// Dim returns the dimensionality.
func (g Gaussian) Dim() int {
	return g.Mean.Len()
}

// Second returns the second moment ⟨xxᵀ⟩ = Σ + m·mᵀ.
func (g Gaussian) Second() *mat.SymDense {
	out := linalg.CloneSym(g.Cov)
	linalg.AddOuterSym(out, 1, g.Mean)
	return out
}

// Entropy returns ½·ln det Σ + D/2·(1 + ln 2π).
func (g Gaussian) Entropy() (float64, error) {
	ld, err := linalg.SPDLogDet(g.Cov)
	if err != nil {
		return 0, err
	}
	d := float64(g.Dim())
	return 0.5*ld + 0.5*d*(1+Ln2Pi), nil
}

// Natural returns the natural parameters: precision Λ = Σ⁻¹ and shift
// η = Λ·m.
func (g Gaussian) Natural() (*mat.SymDense, *mat.VecDense, error) {
	prec, err := linalg.SPDInverse(g.Cov)
	if err != nil {
		return nil, nil, err
	}
	eta := mat.NewVecDense(g.Dim(), nil)
	eta.MulVec(prec, g.Mean)
	return prec, eta, nil
}

// Clone returns a deep copy.
func (g Gaussian) Clone() Gaussian {
	return Gaussian{
		Mean: linalg.CloneVec(g.Mean),
		Cov:  linalg.CloneSym(g.Cov),
	}
}
