package nodes

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/linalg"
)

// =============================================================================
// Gaussian Markov Chain
// =============================================================================
//
// x_0 ~ N(μ₀, Λ₀⁻¹), x_{t+1} ~ N(A·x_t, diag(ν)⁻¹) for t < N−1. The
// dynamics A is a Gaussian plate node whose plate i is row i of the
// matrix; the innovation precision ν is fixed or a Gamma plate node.
//
// The joint posterior over all steps is Gaussian with a block-tridiagonal
// precision. One update assembles the information-form potentials from
// parent moments and likelihood messages and runs a single
// block-tridiagonal solve, which is the Kalman smoother in information
// form: O(N·D³), never materializing the joint covariance. The chain
// keeps exactly the pieces its neighbors consume: marginal means and
// covariances, adjacent cross-covariances and the joint log determinant.

// MarkovChain is a Gaussian Markov chain node.
type MarkovChain struct {
	meta  *graph.Meta
	g     *graph.Graph
	dim   int
	steps int

	mu0       *mat.VecDense
	lam0      *mat.SymDense
	lndetLam0 float64

	dyn   *GaussianVector
	innov PrecisionSource

	likelihoods []*Likelihood

	means   []*mat.VecDense
	covs    []*mat.SymDense
	cross   []*mat.Dense
	logdetJ float64

	seconds      []*mat.SymDense
	secondsValid []bool

	aggValid bool
	sumUHead *mat.SymDense
	sumUTail *mat.SymDense
	sumCross *mat.Dense
}

// ChainOption configures a MarkovChain at construction.
type ChainOption func(*MarkovChain)

// WithInitialMean sets μ₀. The default is zero.
func WithInitialMean(mu []float64) ChainOption {
	return func(mc *MarkovChain) {
		mc.mu0 = mat.NewVecDense(len(mu), mu)
	}
}

// WithInitialPrecision sets Λ₀. The default is identity.
func WithInitialPrecision(lam *mat.SymDense) ChainOption {
	return func(mc *MarkovChain) {
		mc.lam0 = linalg.CloneSym(lam)
	}
}

// NewMarkovChain creates a chain of the given dimension and length. The
// dynamics node must carry dim plates of dimension dim (plate i is row i
// of A); the innovation source must cover dim dimensions.
func NewMarkovChain(g *graph.Graph, name string, dim, steps int, dyn *GaussianVector, innov PrecisionSource, opts ...ChainOption) (*MarkovChain, error) {
	if dim < 1 {
		return nil, coreerrors.Shape("new_chain", name, "dimension %d must be positive", dim)
	}
	if steps < 1 {
		return nil, coreerrors.Shape("new_chain", name, "length %d must be positive", steps)
	}
	if dyn.Dim() != dim || dyn.Plates() != dim {
		return nil, coreerrors.Shape("new_chain", name,
			"dynamics node %q is %d plates of dimension %d, want %d of %d",
			dyn.Name(), dyn.Plates(), dyn.Dim(), dim, dim)
	}
	if err := innov.validatePrecisionDim("new_chain", name, dim); err != nil {
		return nil, err
	}

	meta, err := g.Register("markov_chain", name)
	if err != nil {
		return nil, err
	}

	mc := &MarkovChain{
		meta:  meta,
		g:     g,
		dim:   dim,
		steps: steps,
		dyn:   dyn,
		innov: innov,
	}
	for _, opt := range opts {
		opt(mc)
	}
	if mc.mu0 == nil {
		mc.mu0 = mat.NewVecDense(dim, nil)
	}
	if mc.mu0.Len() != dim {
		return nil, coreerrors.Shape("new_chain", name, "initial mean has %d entries, want %d", mc.mu0.Len(), dim)
	}
	if mc.lam0 == nil {
		mc.lam0 = linalg.Eye(dim)
	}
	if mc.lam0.SymmetricDim() != dim {
		return nil, coreerrors.Shape("new_chain", name, "initial precision is %d-dimensional, want %d", mc.lam0.SymmetricDim(), dim)
	}
	ld, err := linalg.SPDLogDet(mc.lam0)
	if err != nil {
		return nil, coreerrors.Numerical("new_chain", name, "initial precision not positive definite: %v", err)
	}
	mc.lndetLam0 = ld

	mc.means = make([]*mat.VecDense, steps)
	mc.covs = make([]*mat.SymDense, steps)
	for t := 0; t < steps; t++ {
		mc.means[t] = mat.NewVecDense(dim, nil)
		mc.covs[t] = linalg.Eye(dim)
	}
	if steps > 1 {
		mc.cross = make([]*mat.Dense, steps-1)
		for t := range mc.cross {
			mc.cross[t] = mat.NewDense(dim, dim, nil)
		}
	}
	mc.seconds = make([]*mat.SymDense, steps)
	mc.secondsValid = make([]bool, steps)

	dyn.attachChild(mc)
	if err := g.AddEdge(dyn.meta, meta); err != nil {
		return nil, err
	}
	if parent := innov.precisionNode(); parent != nil {
		parent.attachChild(mc)
		if err := g.AddEdge(parent.meta, meta); err != nil {
			return nil, err
		}
	}
	return mc, nil
}

// Meta returns the graph identity.
func (mc *MarkovChain) Meta() *graph.Meta { return mc.meta }

// Name returns the display name.
func (mc *MarkovChain) Name() string { return mc.meta.Name() }

// Dim returns the state dimensionality.
func (mc *MarkovChain) Dim() int { return mc.dim }

// Steps returns the chain length.
func (mc *MarkovChain) Steps() int { return mc.steps }

// StateMean returns ⟨x_t⟩. Shared storage, read-only.
func (mc *MarkovChain) StateMean(t int) *mat.VecDense { return mc.means[t] }

// StateCov returns Cov(x_t). Shared storage, read-only.
func (mc *MarkovChain) StateCov(t int) *mat.SymDense { return mc.covs[t] }

// CrossCov returns Cov(x_t, x_{t+1}). Shared storage, read-only.
func (mc *MarkovChain) CrossCov(t int) *mat.Dense { return mc.cross[t] }

// LogDetJoint returns ln det of the joint posterior precision.
func (mc *MarkovChain) LogDetJoint() float64 { return mc.logdetJ }

// Dynamics returns the dynamics-row parent node.
func (mc *MarkovChain) Dynamics() *GaussianVector { return mc.dyn }

// InnovationMoments returns ⟨ν_d⟩ and ⟨ln ν_d⟩ per dimension.
func (mc *MarkovChain) InnovationMoments() (mean, meanLog []float64) {
	mean = make([]float64, mc.dim)
	meanLog = make([]float64, mc.dim)
	mc.innov.precisionMoments(mean, meanLog)
	return mean, meanLog
}

// InitialMean returns a copy of μ₀.
func (mc *MarkovChain) InitialMean() *mat.VecDense { return linalg.CloneVec(mc.mu0) }

// InitialPrecision returns a copy of Λ₀.
func (mc *MarkovChain) InitialPrecision() *mat.SymDense { return linalg.CloneSym(mc.lam0) }

// secondAt returns ⟨x_t·x_tᵀ⟩, memoized between posterior changes.
func (mc *MarkovChain) secondAt(t int) *mat.SymDense {
	if !mc.secondsValid[t] {
		s := linalg.CloneSym(mc.covs[t])
		linalg.AddOuterSym(s, 1, mc.means[t])
		mc.seconds[t] = s
		mc.secondsValid[t] = true
	}
	return mc.seconds[t]
}

// ensureAggregates refreshes the sums the dynamics and innovation
// messages, the bound and the rotation all share: Σ_{t≤N−2} ⟨x_t x_tᵀ⟩,
// Σ_{t≥1} ⟨x_t x_tᵀ⟩ and Σ_t ⟨x_t x_{t+1}ᵀ⟩.
func (mc *MarkovChain) ensureAggregates() {
	if mc.aggValid {
		return
	}
	mc.sumUHead = mat.NewSymDense(mc.dim, nil)
	mc.sumUTail = mat.NewSymDense(mc.dim, nil)
	mc.sumCross = mat.NewDense(mc.dim, mc.dim, nil)

	for t := 0; t < mc.steps-1; t++ {
		linalg.AddSymScaled(mc.sumUHead, 1, mc.secondAt(t))
		linalg.AddSymScaled(mc.sumUTail, 1, mc.secondAt(t+1))

		mt := mc.means[t]
		mt1 := mc.means[t+1]
		for i := 0; i < mc.dim; i++ {
			for j := 0; j < mc.dim; j++ {
				mc.sumCross.Set(i, j, mc.sumCross.At(i, j)+mc.cross[t].At(i, j)+mt.AtVec(i)*mt1.AtVec(j))
			}
		}
	}
	mc.aggValid = true
}

// SumSecondHead returns a copy of Σ_{t=0}^{N−2} ⟨x_t x_tᵀ⟩.
func (mc *MarkovChain) SumSecondHead() *mat.SymDense {
	mc.ensureAggregates()
	return linalg.CloneSym(mc.sumUHead)
}

// SumSecondTail returns a copy of Σ_{t=1}^{N−1} ⟨x_t x_tᵀ⟩.
func (mc *MarkovChain) SumSecondTail() *mat.SymDense {
	mc.ensureAggregates()
	return linalg.CloneSym(mc.sumUTail)
}

// SumCrossSecond returns a copy of Σ_{t=0}^{N−2} ⟨x_t x_{t+1}ᵀ⟩.
func (mc *MarkovChain) SumCrossSecond() *mat.Dense {
	mc.ensureAggregates()
	return mat.DenseCopyOf(mc.sumCross)
}

// attachLikelihood registers an observation factor whose regressor is
// this chain.
func (mc *MarkovChain) attachLikelihood(lh *Likelihood) {
	mc.likelihoods = append(mc.likelihoods, lh)
}

// dynamicsMoments gathers ⟨A⟩ (row i = ⟨a_i⟩) and the per-row second
// moments ⟨a_i·a_iᵀ⟩.
func (mc *MarkovChain) dynamicsMoments() (amean *mat.Dense, asec []*mat.SymDense) {
	amean = mat.NewDense(mc.dim, mc.dim, nil)
	asec = make([]*mat.SymDense, mc.dim)
	for i := 0; i < mc.dim; i++ {
		m := mc.dyn.PosteriorMean(i)
		for j := 0; j < mc.dim; j++ {
			amean.Set(i, j, m.AtVec(j))
		}
		asec[i] = mc.dyn.Second(i)
	}
	return amean, asec
}

// Update assembles the information-form potentials and refreshes the
// posterior with one block-tridiagonal solve.
func (mc *MarkovChain) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	nu := make([]float64, mc.dim)
	nuLog := make([]float64, mc.dim)
	mc.innov.precisionMoments(nu, nuLog)

	amean, asec := mc.dynamicsMoments()
	sa := mat.NewSymDense(mc.dim, nil)
	for i := 0; i < mc.dim; i++ {
		linalg.AddSymScaled(sa, nu[i], asec[i])
	}

	// Coupling block B = −⟨A⟩ᵀ·diag(ν), shared by every adjacent pair.
	coupling := mat.NewDense(mc.dim, mc.dim, nil)
	for i := 0; i < mc.dim; i++ {
		for j := 0; j < mc.dim; j++ {
			coupling.Set(i, j, -amean.At(j, i)*nu[j])
		}
	}

	diag := make([]*mat.SymDense, mc.steps)
	rhs := make([]*mat.VecDense, mc.steps)
	var offdiag []*mat.Dense
	if mc.steps > 1 {
		offdiag = make([]*mat.Dense, mc.steps-1)
		for t := range offdiag {
			offdiag[t] = coupling
		}
	}

	for t := 0; t < mc.steps; t++ {
		eta := mat.NewVecDense(mc.dim, nil)
		phi := mat.NewSymDense(mc.dim, nil)
		for _, lh := range mc.likelihoods {
			lh.messageToChainStep(mc, t, eta, phi)
		}

		switch {
		case t == 0:
			linalg.AddSymScaled(phi, 1, mc.lam0)
			if mc.steps > 1 {
				linalg.AddSymScaled(phi, 1, sa)
			}
			var h mat.VecDense
			h.MulVec(mc.lam0, mc.mu0)
			eta.AddVec(eta, &h)
		case t < mc.steps-1:
			linalg.AddDiag(phi, nu)
			linalg.AddSymScaled(phi, 1, sa)
		default:
			linalg.AddDiag(phi, nu)
		}
		diag[t] = phi
		rhs[t] = eta
	}

	res, err := linalg.TridiagSolve(diag, offdiag, rhs)
	if err != nil {
		return coreerrors.Numerical("update", mc.meta.Name(), "%v", err)
	}

	mc.means = res.Means
	mc.covs = res.Covs
	mc.cross = res.Cross
	mc.logdetJ = res.LogDet
	mc.invalidate()
	return nil
}

func (mc *MarkovChain) invalidate() {
	for t := range mc.secondsValid {
		mc.secondsValid[t] = false
	}
	mc.aggValid = false
}

// SetPosterior replaces the full chain posterior. Used by the rotation
// optimizer and checkpoint restore.
func (mc *MarkovChain) SetPosterior(means []*mat.VecDense, covs []*mat.SymDense, cross []*mat.Dense, logdetJ float64) error {
	if len(means) != mc.steps || len(covs) != mc.steps {
		return coreerrors.Shape("set_posterior", mc.meta.Name(),
			"got %d means and %d covariances, want %d", len(means), len(covs), mc.steps)
	}
	if mc.steps > 1 && len(cross) != mc.steps-1 {
		return coreerrors.Shape("set_posterior", mc.meta.Name(),
			"got %d cross blocks, want %d", len(cross), mc.steps-1)
	}
	for t := 0; t < mc.steps; t++ {
		if means[t].Len() != mc.dim || covs[t].SymmetricDim() != mc.dim {
			return coreerrors.Shape("set_posterior", mc.meta.Name(), "block %d dimension mismatch", t)
		}
	}
	mc.means = means
	mc.covs = covs
	mc.cross = cross
	mc.logdetJ = logdetJ
	mc.invalidate()
	return nil
}

// Bound returns ⟨ln p(x_0)⟩ + Σ_t ⟨ln p(x_{t+1}|x_t, A, ν)⟩ + H(q).
func (mc *MarkovChain) Bound() (float64, error) {
	nu := make([]float64, mc.dim)
	nuLog := make([]float64, mc.dim)
	mc.innov.precisionMoments(nu, nuLog)
	mc.ensureAggregates()

	// Entropy of the joint: −½·ln det J + ND/2·(1 + ln 2π).
	nd := float64(mc.steps * mc.dim)
	h := -0.5*mc.logdetJ + 0.5*nd*(1+dists.Ln2Pi)

	// Initial state term.
	var lamMu mat.VecDense
	lamMu.MulVec(mc.lam0, mc.mu0)
	quad0 := linalg.TraceProdSym(mc.lam0, mc.secondAt(0)) -
		2*mat.Dot(&lamMu, mc.means[0]) +
		linalg.QuadForm(mc.mu0, mc.lam0)
	lp := 0.5*mc.lndetLam0 - 0.5*float64(mc.dim)*dists.Ln2Pi - 0.5*quad0

	// Transition terms.
	if mc.steps > 1 {
		amean, asec := mc.dynamicsMoments()
		sa := mat.NewSymDense(mc.dim, nil)
		for i := 0; i < mc.dim; i++ {
			linalg.AddSymScaled(sa, nu[i], asec[i])
		}

		var sumNuLog float64
		for _, v := range nuLog {
			sumNuLog += v
		}
		trans := float64(mc.steps-1) * (0.5*sumNuLog - 0.5*float64(mc.dim)*dists.Ln2Pi)
		trans -= 0.5 * (linalg.DiagWeightedTrace(nu, mc.sumUTail) -
			2*linalg.DiagWeightedTraceProd(nu, amean, mc.sumCross) +
			linalg.TraceProdSym(sa, mc.sumUHead))
		lp += trans
	}

	return lp + h, nil
}

// messageToGaussian sends the dynamics-row message: row i of A receives
// Φ = ν_i·Σ_{t≤N−2} ⟨x_t x_tᵀ⟩ and η = ν_i·Σ_t ⟨x_t·x_{t+1,i}⟩.
func (mc *MarkovChain) messageToGaussian(target *GaussianVector, plate int, eta *mat.VecDense, phi *mat.SymDense) {
	if target != mc.dyn || mc.steps < 2 {
		return
	}
	mc.ensureAggregates()

	nu := make([]float64, mc.dim)
	nuLog := make([]float64, mc.dim)
	mc.innov.precisionMoments(nu, nuLog)

	i := plate
	linalg.AddSymScaled(phi, nu[i], mc.sumUHead)
	for k := 0; k < mc.dim; k++ {
		eta.SetVec(k, eta.AtVec(k)+nu[i]*mc.sumCross.At(k, i))
	}
}

// messageToGamma sends the innovation increments: dimension i receives
// Δa = (N−1)/2 and Δb = ½·Σ_t ⟨(x_{t+1,i} − a_iᵀ·x_t)²⟩.
func (mc *MarkovChain) messageToGamma(target *Gamma, da, db []float64) {
	if mc.innov.precisionNode() != target || mc.steps < 2 {
		return
	}
	mc.ensureAggregates()
	amean, asec := mc.dynamicsMoments()

	for i := 0; i < mc.dim; i++ {
		var am float64
		for k := 0; k < mc.dim; k++ {
			am += amean.At(i, k) * mc.sumCross.At(k, i)
		}
		resid := mc.sumUTail.At(i, i) - 2*am + linalg.TraceProdSym(asec[i], mc.sumUHead)

		if target.plates == 1 {
			da[0] += 0.5 * float64(mc.steps-1)
			db[0] += 0.5 * resid
		} else {
			da[i] += 0.5 * float64(mc.steps-1)
			db[i] += 0.5 * resid
		}
	}
}

// allMeansZero reports whether every state mean is exactly zero.
func (mc *MarkovChain) allMeansZero() bool {
	for _, m := range mc.means {
		for d := 0; d < mc.dim; d++ {
			if m.AtVec(d) != 0 {
				return false
			}
		}
	}
	return true
}

// =============================================================================
// Regressor
// =============================================================================

// RegressorDim implements Regressor.
func (mc *MarkovChain) RegressorDim() int { return mc.dim }

// RegressorLen implements Regressor.
func (mc *MarkovChain) RegressorLen() int { return mc.steps }

// RegressorMoments implements Regressor.
func (mc *MarkovChain) RegressorMoments(t int) (mat.Vector, *mat.SymDense) {
	return mc.means[t], mc.secondAt(t)
}

func (mc *MarkovChain) regressorMeta() *graph.Meta { return mc.meta }
