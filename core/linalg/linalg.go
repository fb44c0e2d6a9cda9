// Package linalg provides the dense linear algebra substrate for the
// inference engine: symmetrization helpers, jitter-guarded Cholesky
// factorization, a block-tridiagonal solver for Markov chain posteriors,
// and seeded orthonormal matrix generation.
//
// All matrices are float64 on gonum/mat. Functions return errors rather
// than panic on numerical failure; callers attach node context.
package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SymFromDense returns (M + Mᵀ)/2 as a symmetric matrix. Products of the
// form BᵀG drift off symmetric in floating point; every such product is
// averaged before factorization.
func SymFromDense(m mat.Matrix) *mat.SymDense {
	r, c := m.Dims()
	if r != c {
		return nil
	}
	out := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			out.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}

// Eye returns the d-dimensional identity.
func Eye(d int) *mat.SymDense {
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		out.SetSym(i, i, 1)
	}
	return out
}

// DiagSym returns a symmetric matrix with vals on the diagonal.
func DiagSym(vals []float64) *mat.SymDense {
	out := mat.NewSymDense(len(vals), nil)
	for i, v := range vals {
		out.SetSym(i, i, v)
	}
	return out
}

// CloneSym returns a deep copy of s.
func CloneSym(s *mat.SymDense) *mat.SymDense {
	d := s.SymmetricDim()
	out := mat.NewSymDense(d, nil)
	out.CopySym(s)
	return out
}

// CloneVec returns a deep copy of v.
func CloneVec(v *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(v.Len(), nil)
	out.CopyVec(v)
	return out
}

// AddSymScaled accumulates dst += alpha·a.
func AddSymScaled(dst *mat.SymDense, alpha float64, a *mat.SymDense) {
	d := dst.SymmetricDim()
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			dst.SetSym(i, j, dst.At(i, j)+alpha*a.At(i, j))
		}
	}
}

// AddDiag accumulates dst += diag(w).
func AddDiag(dst *mat.SymDense, w []float64) {
	for i, v := range w {
		dst.SetSym(i, i, dst.At(i, i)+v)
	}
}

// OuterSym returns x·xᵀ.
func OuterSym(x mat.Vector) *mat.SymDense {
	d := x.Len()
	out := mat.NewSymDense(d, nil)
	out.SymRankOne(out, 1, x)
	return out
}

// AddOuterSym accumulates dst += alpha·x·xᵀ.
func AddOuterSym(dst *mat.SymDense, alpha float64, x mat.Vector) {
	dst.SymRankOne(dst, alpha, x)
}

// TraceProdSym returns tr(A·B) for symmetric A, B: Σ_ij A_ij·B_ij.
func TraceProdSym(a, b *mat.SymDense) float64 {
	d := a.SymmetricDim()
	var sum float64
	for i := 0; i < d; i++ {
		sum += a.At(i, i) * b.At(i, i)
		for j := i + 1; j < d; j++ {
			sum += 2 * a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}

// DiagWeightedTrace returns tr(diag(w)·S) = Σ_d w_d·S_dd.
func DiagWeightedTrace(w []float64, s *mat.SymDense) float64 {
	var sum float64
	for i, v := range w {
		sum += v * s.At(i, i)
	}
	return sum
}

// DiagWeightedTraceProd returns tr(diag(w)·A·B) = Σ_d w_d Σ_k A_dk·B_kd.
func DiagWeightedTraceProd(w []float64, a, b mat.Matrix) float64 {
	d := len(w)
	var sum float64
	for i := 0; i < d; i++ {
		var row float64
		for k := 0; k < d; k++ {
			row += a.At(i, k) * b.At(k, i)
		}
		sum += w[i] * row
	}
	return sum
}

// QuadForm returns xᵀ·S·x.
func QuadForm(x mat.Vector, s *mat.SymDense) float64 {
	d := x.Len()
	var sum float64
	for i := 0; i < d; i++ {
		xi := x.AtVec(i)
		sum += xi * xi * s.At(i, i)
		for j := i + 1; j < d; j++ {
			sum += 2 * xi * x.AtVec(j) * s.At(i, j)
		}
	}
	return sum
}

// AllFinite reports whether every entry of m is finite.
func AllFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
