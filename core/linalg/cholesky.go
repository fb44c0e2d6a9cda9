package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

const (
	// baseJitter is the first diagonal boost, relative to the mean
	// absolute diagonal. Grows tenfold per retry.
	baseJitter = 1e-10

	// jitterAttempts bounds the retries, reaching 1e-6 relative jitter.
	jitterAttempts = 5
)

// Chol factorizes a symmetric matrix that should be positive definite.
// On failure the diagonal is boosted by growing multiples of the mean
// absolute diagonal before giving up with a numerical error. The input is
// never modified.
func Chol(s *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(s) {
		return &chol, nil
	}

	d := s.SymmetricDim()
	scale := meanAbsDiag(s)
	if scale == 0 {
		scale = 1
	}

	jitter := baseJitter
	work := CloneSym(s)
	for attempt := 0; attempt < jitterAttempts; attempt++ {
		work.CopySym(s)
		for i := 0; i < d; i++ {
			work.SetSym(i, i, work.At(i, i)+jitter*scale)
		}
		if chol.Factorize(work) {
			return &chol, nil
		}
		jitter *= 10
	}

	return nil, coreerrors.Numerical("cholesky", "",
		"matrix of size %d not positive definite after jitter up to %.1e", d, jitter/10*scale)
}

func meanAbsDiag(s *mat.SymDense) float64 {
	d := s.SymmetricDim()
	var sum float64
	for i := 0; i < d; i++ {
		sum += math.Abs(s.At(i, i))
	}
	return sum / float64(d)
}

// SPDInverse inverts a symmetric positive definite matrix through the
// jittered factorization.
func SPDInverse(s *mat.SymDense) (*mat.SymDense, error) {
	chol, err := Chol(s)
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(s.SymmetricDim(), nil)
	if err := chol.InverseTo(out); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindNumerical, "spd_inverse", "", err)
	}
	return out, nil
}

// SPDSolveVec solves S·x = b for symmetric positive definite S.
func SPDSolveVec(s *mat.SymDense, b mat.Vector) (*mat.VecDense, error) {
	chol, err := Chol(s)
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(b.Len(), nil)
	if err := chol.SolveVecTo(out, b); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindNumerical, "spd_solve", "", err)
	}
	return out, nil
}

// SPDLogDet returns ln det S for symmetric positive definite S.
func SPDLogDet(s *mat.SymDense) (float64, error) {
	chol, err := Chol(s)
	if err != nil {
		return 0, err
	}
	return chol.LogDet(), nil
}
