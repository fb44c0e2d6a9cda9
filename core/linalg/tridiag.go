package linalg

import (
	"gonum.org/v1/gonum/mat"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

// =============================================================================
// Block-Tridiagonal SPD Solver
// =============================================================================
//
// Solves the Gaussian chain posterior in information form. The joint
// precision J is block tridiagonal with diagonal blocks J_0..J_{N-1} and
// superdiagonal blocks B_0..B_{N-2} (block (t,t+1) = B_t, block (t+1,t) =
// B_tᵀ). The solver returns exactly the pieces coordinate ascent consumes:
// per-block means of J⁻¹h, marginal covariance blocks (J⁻¹)_{tt}, adjacent
// cross-covariance blocks (J⁻¹)_{t,t+1}, and ln det J. The full (ND)×(ND)
// inverse is never materialized; cost is O(N·D³).
//
// Forward pass: Schur complements Ã_0 = J_0, Ã_t = J_t − B_{t-1}ᵀ G_{t-1}
// with G_t = Ã_t⁻¹ B_t, and z_0 = h_0, z_t = h_t − G_{t-1}ᵀ z_{t-1}.
// Backward pass: m_{N-1} = Ã_{N-1}⁻¹ z_{N-1}, m_t = Ã_t⁻¹(z_t − B_t m_{t+1}),
// Σ_{N-1} = Ã_{N-1}⁻¹, C_t = −G_t Σ_{t+1}, Σ_t = Ã_t⁻¹ − C_t G_tᵀ.
// Each Ã_t factorization goes through the jitter guard.

// TridiagResult holds the posterior pieces of one block-tridiagonal solve.
type TridiagResult struct {
	// Means holds the per-block solution of J·m = h.
	Means []*mat.VecDense

	// Covs holds the marginal covariance blocks (J⁻¹)_{tt}.
	Covs []*mat.SymDense

	// Cross holds the adjacent cross-covariance blocks (J⁻¹)_{t,t+1},
	// length N−1.
	Cross []*mat.Dense

	// LogDet is ln det J, accumulated over the Schur complement
	// factorizations.
	LogDet float64
}

// TridiagSolve solves the block-tridiagonal SPD system described above.
// diag and rhs must have equal length N ≥ 1 and offdiag length N−1, all
// blocks square with a common dimension.
func TridiagSolve(diag []*mat.SymDense, offdiag []*mat.Dense, rhs []*mat.VecDense) (*TridiagResult, error) {
	n := len(diag)
	if n == 0 {
		return nil, coreerrors.Shape("tridiag_solve", "", "no diagonal blocks")
	}
	if len(rhs) != n {
		return nil, coreerrors.Shape("tridiag_solve", "", "rhs blocks %d, diagonal blocks %d", len(rhs), n)
	}
	if len(offdiag) != n-1 {
		return nil, coreerrors.Shape("tridiag_solve", "", "offdiagonal blocks %d, want %d", len(offdiag), n-1)
	}
	d := diag[0].SymmetricDim()
	for t, b := range diag {
		if b.SymmetricDim() != d || rhs[t].Len() != d {
			return nil, coreerrors.Shape("tridiag_solve", "", "block %d dimension mismatch", t)
		}
	}
	for t, b := range offdiag {
		if r, c := b.Dims(); r != d || c != d {
			return nil, coreerrors.Shape("tridiag_solve", "", "offdiagonal block %d is %dx%d, want %dx%d", t, r, c, d, d)
		}
	}

	// Forward pass: Schur complements, their inverses, couplings G_t and
	// the transformed right-hand side.
	invs := make([]*mat.SymDense, n)
	gs := make([]*mat.Dense, n)
	zs := make([]*mat.VecDense, n)
	var logdet float64

	atilde := CloneSym(diag[0])
	for t := 0; t < n; t++ {
		if t > 0 {
			var btg mat.Dense
			btg.Mul(offdiag[t-1].T(), gs[t-1])
			var full mat.Dense
			full.Sub(diag[t], &btg)
			atilde = SymFromDense(&full)
		}

		chol, err := Chol(atilde)
		if err != nil {
			return nil, coreerrors.Numerical("tridiag_solve", "", "schur complement %d: %v", t, err)
		}
		logdet += chol.LogDet()

		inv := mat.NewSymDense(d, nil)
		if err := chol.InverseTo(inv); err != nil {
			return nil, coreerrors.Wrap(coreerrors.KindNumerical, "tridiag_solve", "", err)
		}
		invs[t] = inv

		if t < n-1 {
			g := mat.NewDense(d, d, nil)
			if err := chol.SolveTo(g, offdiag[t]); err != nil {
				return nil, coreerrors.Wrap(coreerrors.KindNumerical, "tridiag_solve", "", err)
			}
			gs[t] = g
		}

		if t == 0 {
			zs[0] = CloneVec(rhs[0])
		} else {
			z := mat.NewVecDense(d, nil)
			z.MulVec(gs[t-1].T(), zs[t-1])
			z.SubVec(rhs[t], z)
			zs[t] = z
		}
	}

	// Backward pass: means, marginals and adjacent cross blocks.
	res := &TridiagResult{
		Means:  make([]*mat.VecDense, n),
		Covs:   make([]*mat.SymDense, n),
		Cross:  make([]*mat.Dense, 0),
		LogDet: logdet,
	}
	if n > 1 {
		res.Cross = make([]*mat.Dense, n-1)
	}

	last := mat.NewVecDense(d, nil)
	last.MulVec(invs[n-1], zs[n-1])
	res.Means[n-1] = last
	res.Covs[n-1] = invs[n-1]

	for t := n - 2; t >= 0; t-- {
		cross := mat.NewDense(d, d, nil)
		cross.Mul(gs[t], res.Covs[t+1])
		cross.Scale(-1, cross)
		res.Cross[t] = cross

		var csg mat.Dense
		csg.Mul(cross, gs[t].T())
		var full mat.Dense
		full.Sub(invs[t], &csg)
		res.Covs[t] = SymFromDense(&full)

		var bm mat.VecDense
		bm.MulVec(offdiag[t], res.Means[t+1])
		var zt mat.VecDense
		zt.SubVec(zs[t], &bm)
		m := mat.NewVecDense(d, nil)
		m.MulVec(invs[t], &zt)
		res.Means[t] = m
	}

	return res, nil
}
