package rotate

import (
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/linalg"
	"github.com/adalundhe/meanfield/core/nodes"
)

// ardBlock rotates the plates of a Gaussian vector with a per-dimension
// Gamma ARD parent. Under a transform Q the plate posteriors become
// N(Q·m_p, Q·Σ_p·Qᵀ) and the parent is re-optimized in closed form from
// the rotated second-moment sum S' = Q·S·Qᵀ.
type ardBlock struct {
	gv     *nodes.GaussianVector
	ard    *nodes.Gamma
	shape0 float64
	rate0  float64
	plates int
	d      int

	second       *mat.SymDense // S = Σ_p ⟨x_p x_pᵀ⟩
	sumLogDetCov float64       // Σ_p ln det Σ_p
}

// RotateARD builds the rotation block for a Gaussian vector whose prior
// is a zero-mean ARD Gaussian with a per-dimension Gamma parent.
func RotateARD(gv *nodes.GaussianVector) (Block, error) {
	ard := gv.PrecisionParent()
	if ard == nil {
		return nil, coreerrors.Rotation("rotate_ard", gv.Name(),
			"node has a constant precision prior, want a Gamma ARD parent")
	}
	if ard.Plates() != gv.Dim() {
		return nil, coreerrors.Rotation("rotate_ard", gv.Name(),
			"ARD parent %q has %d plates, want %d", ard.Name(), ard.Plates(), gv.Dim())
	}
	if gv.PriorMean() != nil {
		return nil, coreerrors.Rotation("rotate_ard", gv.Name(),
			"rotation requires a zero prior mean")
	}
	shape0, rate0 := ard.Prior()
	return &ardBlock{
		gv:     gv,
		ard:    ard,
		shape0: shape0,
		rate0:  rate0,
		plates: gv.Plates(),
		d:      gv.Dim(),
	}, nil
}

func (b *ardBlock) dim() int { return b.d }

func (b *ardBlock) members() []nodes.Snapshotter {
	return []nodes.Snapshotter{b.gv, b.ard}
}

func (b *ardBlock) setup() error {
	b.second = mat.NewSymDense(b.d, nil)
	b.sumLogDetCov = 0
	for p := 0; p < b.plates; p++ {
		linalg.AddSymScaled(b.second, 1, b.gv.Second(p))
		ld, err := linalg.SPDLogDet(b.gv.PosteriorCov(p))
		if err != nil {
			return coreerrors.Rotation("rotate_ard", b.gv.Name(),
				"plate %d covariance: %v", p, err)
		}
		b.sumLogDetCov += ld
	}
	return nil
}

func (b *ardBlock) bound() (float64, error) {
	gb, err := b.gv.Bound()
	if err != nil {
		return 0, err
	}
	ab, err := b.ard.Bound()
	if err != nil {
		return 0, err
	}
	return gb + ab, nil
}

// reoptimized returns the closed-form Gamma posterior per dimension
// under the transform: (a₀+P/2, b₀ + ½·(Q·S·Qᵀ)_dd).
func (b *ardBlock) reoptimized(c *candidate) ([]dists.Gamma, []float64, error) {
	shape := b.shape0 + 0.5*float64(b.plates)
	posts := make([]dists.Gamma, b.d)
	diag := make([]float64, b.d)
	for d := 0; d < b.d; d++ {
		sdd := rowQuad(c.r, d, b.second)
		q, err := dists.NewGamma(shape, b.rate0+0.5*sdd)
		if err != nil {
			return nil, nil, coreerrors.Rotation("rotate_ard", b.ard.Name(),
				"dimension %d: %v", d, err)
		}
		posts[d] = q
		diag[d] = sdd
	}
	return posts, diag, nil
}

func (b *ardBlock) transformed(c *candidate) (float64, error) {
	posts, diag, err := b.reoptimized(c)
	if err != nil {
		return 0, err
	}

	var total, sumMeanLog, weighted float64
	for d := 0; d < b.d; d++ {
		sumMeanLog += posts[d].MeanLog()
		weighted += posts[d].Mean() * diag[d]
		total += posts[d].ExpectedLogPrior(b.shape0, b.rate0) + posts[d].Entropy()
	}

	pd := float64(b.plates) * float64(b.d)
	total += 0.5*float64(b.plates)*sumMeanLog - 0.5*pd*dists.Ln2Pi - 0.5*weighted
	total += 0.5*b.sumLogDetCov + float64(b.plates)*c.lnAbsDet + 0.5*pd*(1+dists.Ln2Pi)
	return total, nil
}

func (b *ardBlock) apply(c *candidate) error {
	rotated := make([]dists.Gaussian, b.plates)
	for p := 0; p < b.plates; p++ {
		m := mat.NewVecDense(b.d, nil)
		m.MulVec(c.r, b.gv.PosteriorMean(p))
		cov := symTriple(c.r, b.gv.PosteriorCov(p))
		if _, err := linalg.Chol(cov); err != nil {
			return coreerrors.Rotation("rotate_ard", b.gv.Name(),
				"plate %d transformed covariance: %v", p, err)
		}
		rotated[p] = dists.NewGaussian(m, cov)
	}
	posts, _, err := b.reoptimized(c)
	if err != nil {
		return err
	}

	for p, q := range rotated {
		if err := b.gv.SetPosterior(p, q); err != nil {
			return err
		}
	}
	for d, q := range posts {
		if err := b.ard.SetPosterior(d, q); err != nil {
			return err
		}
	}
	return nil
}

// rowQuad returns r_iᵀ·S·r_i for row i of m.
func rowQuad(m *mat.Dense, i int, s *mat.SymDense) float64 {
	d := s.SymmetricDim()
	var sum float64
	for a := 0; a < d; a++ {
		ra := m.At(i, a)
		sum += ra * ra * s.At(a, a)
		for b := a + 1; b < d; b++ {
			sum += 2 * ra * m.At(i, b) * s.At(a, b)
		}
	}
	return sum
}

// symTriple returns R·S·Rᵀ as a symmetric matrix.
func symTriple(r *mat.Dense, s *mat.SymDense) *mat.SymDense {
	var rs, rsr mat.Dense
	rs.Mul(r, s)
	rsr.Mul(&rs, r.T())
	return linalg.SymFromDense(&rsr)
}

// denseTriple returns R·M·Rᵀ without symmetrizing.
func denseTriple(r *mat.Dense, m *mat.Dense) *mat.Dense {
	var rm, rmr mat.Dense
	rm.Mul(r, m)
	rmr.Mul(&rm, r.T())
	return &rmr
}
