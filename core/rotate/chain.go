package rotate

import (
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/linalg"
	"github.com/adalundhe/meanfield/core/nodes"
)

// chainBlock jointly rotates a Markov chain's states, its dynamics rows
// and their ARD parent. Under R the states become R·x_t and the dynamics
// matrix R·A·R⁻¹; the transformed A rows leave the mean-field family, so
// the block projects them back (row means R⁻ᵀ·⟨A⟩ᵀ·r_i, row covariances
// R⁻ᵀ·(Σ_k R_ik²·Σ_k)·R⁻¹) and evaluates the exact bound of the
// projection. The ARD parent re-optimizes in closed form from the
// projected row moments. Innovation precision moments are held fixed.
type chainBlock struct {
	mc    *nodes.MarkovChain
	dyn   *nodes.GaussianVector
	alpha *nodes.Gamma
	d     int
	n     int

	alphaShape0 float64
	alphaRate0  float64

	mu0        *mat.VecDense
	lam0       *mat.SymDense
	lam0LogDet float64
	lamMu      *mat.VecDense
	muQuad     float64

	// setup snapshots
	nu       []float64
	nuLog    []float64
	m0       *mat.VecDense
	u0       *mat.SymDense
	uHead    *mat.SymDense
	uTail    *mat.SymDense
	crossSum *mat.Dense
	logdetJ  float64
	amean    *mat.Dense
	acov     []*mat.SymDense
}

// RotateMarkovChain builds the joint rotation block for a chain whose
// dynamics rows carry a zero-mean per-dimension ARD prior.
func RotateMarkovChain(mc *nodes.MarkovChain) (Block, error) {
	dyn := mc.Dynamics()
	alpha := dyn.PrecisionParent()
	if alpha == nil {
		return nil, coreerrors.Rotation("rotate_chain", mc.Name(),
			"dynamics %q has a constant precision prior, want a Gamma ARD parent", dyn.Name())
	}
	if alpha.Plates() != mc.Dim() {
		return nil, coreerrors.Rotation("rotate_chain", mc.Name(),
			"ARD parent %q has %d plates, want %d", alpha.Name(), alpha.Plates(), mc.Dim())
	}
	if dyn.PriorMean() != nil {
		return nil, coreerrors.Rotation("rotate_chain", mc.Name(),
			"rotation requires a zero prior mean on the dynamics rows")
	}

	lam0 := mc.InitialPrecision()
	lam0LogDet, err := linalg.SPDLogDet(lam0)
	if err != nil {
		return nil, coreerrors.Rotation("rotate_chain", mc.Name(),
			"initial precision: %v", err)
	}
	mu0 := mc.InitialMean()
	lamMu := mat.NewVecDense(mc.Dim(), nil)
	lamMu.MulVec(lam0, mu0)

	shape0, rate0 := alpha.Prior()
	return &chainBlock{
		mc:          mc,
		dyn:         dyn,
		alpha:       alpha,
		d:           mc.Dim(),
		n:           mc.Steps(),
		alphaShape0: shape0,
		alphaRate0:  rate0,
		mu0:         mu0,
		lam0:        lam0,
		lam0LogDet:  lam0LogDet,
		lamMu:       lamMu,
		muQuad:      linalg.QuadForm(mu0, lam0),
	}, nil
}

func (b *chainBlock) dim() int { return b.d }

func (b *chainBlock) members() []nodes.Snapshotter {
	return []nodes.Snapshotter{b.mc, b.dyn, b.alpha}
}

func (b *chainBlock) setup() error {
	b.nu, b.nuLog = b.mc.InnovationMoments()

	b.m0 = linalg.CloneVec(b.mc.StateMean(0))
	b.u0 = linalg.CloneSym(b.mc.StateCov(0))
	linalg.AddOuterSym(b.u0, 1, b.m0)

	b.uHead = b.mc.SumSecondHead()
	b.uTail = b.mc.SumSecondTail()
	b.crossSum = b.mc.SumCrossSecond()
	b.logdetJ = b.mc.LogDetJoint()

	b.amean = mat.NewDense(b.d, b.d, nil)
	b.acov = make([]*mat.SymDense, b.d)
	for i := 0; i < b.d; i++ {
		m := b.dyn.PosteriorMean(i)
		for j := 0; j < b.d; j++ {
			b.amean.Set(i, j, m.AtVec(j))
		}
		b.acov[i] = linalg.CloneSym(b.dyn.PosteriorCov(i))
	}
	return nil
}

func (b *chainBlock) bound() (float64, error) {
	cb, err := b.mc.Bound()
	if err != nil {
		return 0, err
	}
	db, err := b.dyn.Bound()
	if err != nil {
		return 0, err
	}
	ab, err := b.alpha.Bound()
	if err != nil {
		return 0, err
	}
	return cb + db + ab, nil
}

// rowTransform holds the mean-field projection of the transformed
// dynamics rows.
type rowTransform struct {
	means    []*mat.VecDense
	covs     []*mat.SymDense
	seconds  []*mat.SymDense
	diag     []float64 // Σ_i ⟨a'_{i,d}²⟩ per dimension d
	sumLnDet float64   // Σ_i ln det Σ'_i
}

// transformRows projects the rows of R·A·R⁻¹ back onto independent
// Gaussians: m'_i = R⁻ᵀ·⟨A⟩ᵀ·r_i and Σ'_i = R⁻ᵀ·W_i·R⁻¹ with
// W_i = Σ_k R_ik²·Σ_k, so ln det Σ'_i = ln det W_i − 2·ln|det R|.
func (b *chainBlock) transformRows(c *candidate) (*rowTransform, error) {
	q := mat.DenseCopyOf(c.rInv.T())

	rt := &rowTransform{
		means:   make([]*mat.VecDense, b.d),
		covs:    make([]*mat.SymDense, b.d),
		seconds: make([]*mat.SymDense, b.d),
		diag:    make([]float64, b.d),
	}
	for i := 0; i < b.d; i++ {
		ri := mat.NewVecDense(b.d, mat.Row(nil, i, c.r))
		atr := mat.NewVecDense(b.d, nil)
		atr.MulVec(b.amean.T(), ri)
		m := mat.NewVecDense(b.d, nil)
		m.MulVec(q, atr)

		w := mat.NewSymDense(b.d, nil)
		for k := 0; k < b.d; k++ {
			rik := c.r.At(i, k)
			if rik != 0 {
				linalg.AddSymScaled(w, rik*rik, b.acov[k])
			}
		}
		ld, err := linalg.SPDLogDet(w)
		if err != nil {
			return nil, coreerrors.Rotation("rotate_chain", b.dyn.Name(),
				"row %d transformed covariance: %v", i, err)
		}
		cov := symTriple(q, w)

		second := linalg.CloneSym(cov)
		linalg.AddOuterSym(second, 1, m)

		rt.means[i] = m
		rt.covs[i] = cov
		rt.seconds[i] = second
		rt.sumLnDet += ld - 2*c.lnAbsDet
		for d := 0; d < b.d; d++ {
			rt.diag[d] += second.At(d, d)
		}
	}
	return rt, nil
}

// reoptimizedAlpha returns the closed-form ARD posterior for the
// projected rows: (a₀+D/2, b₀ + ½·Σ_i ⟨a'_{i,d}²⟩).
func (b *chainBlock) reoptimizedAlpha(rt *rowTransform) ([]dists.Gamma, error) {
	shape := b.alphaShape0 + 0.5*float64(b.d)
	posts := make([]dists.Gamma, b.d)
	for d := 0; d < b.d; d++ {
		q, err := dists.NewGamma(shape, b.alphaRate0+0.5*rt.diag[d])
		if err != nil {
			return nil, coreerrors.Rotation("rotate_chain", b.alpha.Name(),
				"dimension %d: %v", d, err)
		}
		posts[d] = q
	}
	return posts, nil
}

func (b *chainBlock) transformed(c *candidate) (float64, error) {
	rt, err := b.transformRows(c)
	if err != nil {
		return 0, err
	}
	alphaPosts, err := b.reoptimizedAlpha(rt)
	if err != nil {
		return 0, err
	}

	df := float64(b.d)

	// Chain entropy with ln det J' = ln det J − 2N·ln|det R|.
	nd := float64(b.n) * df
	total := -0.5*(b.logdetJ-2*float64(b.n)*c.lnAbsDet) + 0.5*nd*(1+dists.Ln2Pi)

	// Initial state term over the rotated first-step moments.
	rm0 := mat.NewVecDense(b.d, nil)
	rm0.MulVec(c.r, b.m0)
	quad0 := linalg.TraceProdSym(b.lam0, symTriple(c.r, b.u0)) -
		2*mat.Dot(b.lamMu, rm0) + b.muQuad
	total += 0.5*b.lam0LogDet - 0.5*df*dists.Ln2Pi - 0.5*quad0

	// Transition terms over the rotated sums.
	if b.n > 1 {
		uHead := symTriple(c.r, b.uHead)
		uTail := symTriple(c.r, b.uTail)
		cross := denseTriple(c.r, b.crossSum)

		ameanP := mat.NewDense(b.d, b.d, nil)
		sa := mat.NewSymDense(b.d, nil)
		for i := 0; i < b.d; i++ {
			for j := 0; j < b.d; j++ {
				ameanP.Set(i, j, rt.means[i].AtVec(j))
			}
			linalg.AddSymScaled(sa, b.nu[i], rt.seconds[i])
		}

		var sumNuLog float64
		for _, v := range b.nuLog {
			sumNuLog += v
		}
		trans := float64(b.n-1) * (0.5*sumNuLog - 0.5*df*dists.Ln2Pi)
		trans -= 0.5 * (linalg.DiagWeightedTrace(b.nu, uTail) -
			2*linalg.DiagWeightedTraceProd(b.nu, ameanP, cross) +
			linalg.TraceProdSym(sa, uHead))
		total += trans
	}

	// Dynamics-row prior and entropy under the re-optimized parent.
	var sumMeanLog, weighted float64
	for d := 0; d < b.d; d++ {
		sumMeanLog += alphaPosts[d].MeanLog()
		weighted += alphaPosts[d].Mean() * rt.diag[d]
		total += alphaPosts[d].ExpectedLogPrior(b.alphaShape0, b.alphaRate0) +
			alphaPosts[d].Entropy()
	}
	total += 0.5*df*sumMeanLog - 0.5*df*df*dists.Ln2Pi - 0.5*weighted
	total += 0.5*rt.sumLnDet + 0.5*df*df*(1+dists.Ln2Pi)

	return total, nil
}

func (b *chainBlock) apply(c *candidate) error {
	rt, err := b.transformRows(c)
	if err != nil {
		return err
	}
	alphaPosts, err := b.reoptimizedAlpha(rt)
	if err != nil {
		return err
	}

	means := make([]*mat.VecDense, b.n)
	covs := make([]*mat.SymDense, b.n)
	for t := 0; t < b.n; t++ {
		m := mat.NewVecDense(b.d, nil)
		m.MulVec(c.r, b.mc.StateMean(t))
		cov := symTriple(c.r, b.mc.StateCov(t))
		if _, err := linalg.Chol(cov); err != nil {
			return coreerrors.Rotation("rotate_chain", b.mc.Name(),
				"step %d transformed covariance: %v", t, err)
		}
		means[t] = m
		covs[t] = cov
	}
	var cross []*mat.Dense
	if b.n > 1 {
		cross = make([]*mat.Dense, b.n-1)
		for t := 0; t < b.n-1; t++ {
			cross[t] = denseTriple(c.r, b.mc.CrossCov(t))
		}
	}
	logdetJ := b.logdetJ - 2*float64(b.n)*c.lnAbsDet

	for i := 0; i < b.d; i++ {
		if _, err := linalg.Chol(rt.covs[i]); err != nil {
			return coreerrors.Rotation("rotate_chain", b.dyn.Name(),
				"row %d transformed covariance: %v", i, err)
		}
	}

	if err := b.mc.SetPosterior(means, covs, cross, logdetJ); err != nil {
		return err
	}
	for i := 0; i < b.d; i++ {
		if err := b.dyn.SetPosterior(i, dists.NewGaussian(rt.means[i], rt.covs[i])); err != nil {
			return err
		}
	}
	for d, q := range alphaPosts {
		if err := b.alpha.SetPosterior(d, q); err != nil {
			return err
		}
	}
	return nil
}
