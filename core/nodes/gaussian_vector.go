package nodes

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/linalg"
)

// GaussianVector is a plate of independent D-dimensional Gaussian
// variables sharing one prior N(μ₀, diag(γ)⁻¹). The precision γ is a fixed
// vector or a Gamma ARD parent shared across plates. Rows of a loading or
// dynamics matrix are plates of this node type.
type GaussianVector struct {
	meta   *graph.Meta
	g      *graph.Graph
	dim    int
	plates int
	prior  PrecisionSource
	mu0    *mat.VecDense

	post     []dists.Gaussian
	children []gaussianChild

	seconds      []*mat.SymDense
	secondsValid []bool
}

// GaussianOption configures a GaussianVector at construction.
type GaussianOption func(*GaussianVector)

// WithPriorMean sets a constant prior mean shared by every plate. The
// default prior mean is zero.
func WithPriorMean(mu []float64) GaussianOption {
	return func(gv *GaussianVector) {
		gv.mu0 = mat.NewVecDense(len(mu), mu)
	}
}

// NewGaussianVector creates a Gaussian plate node. The posterior is
// initialized from the prior: mean μ₀, covariance diag(⟨γ⟩)⁻¹ under the
// prior moments of the precision source.
func NewGaussianVector(g *graph.Graph, name string, dim, plates int, prior PrecisionSource, opts ...GaussianOption) (*GaussianVector, error) {
	if dim < 1 {
		return nil, coreerrors.Shape("new_gaussian", name, "dimension %d must be positive", dim)
	}
	if plates < 1 {
		return nil, coreerrors.Shape("new_gaussian", name, "plates %d must be positive", plates)
	}
	if err := prior.validatePrecisionDim("new_gaussian", name, dim); err != nil {
		return nil, err
	}

	meta, err := g.Register("gaussian", name)
	if err != nil {
		return nil, err
	}

	gv := &GaussianVector{
		meta:         meta,
		g:            g,
		dim:          dim,
		plates:       plates,
		prior:        prior,
		post:         make([]dists.Gaussian, plates),
		seconds:      make([]*mat.SymDense, plates),
		secondsValid: make([]bool, plates),
	}
	for _, opt := range opts {
		opt(gv)
	}
	if gv.mu0 != nil && gv.mu0.Len() != dim {
		return nil, coreerrors.Shape("new_gaussian", name, "prior mean has %d entries, want %d", gv.mu0.Len(), dim)
	}

	mean := make([]float64, dim)
	meanLog := make([]float64, dim)
	prior.precisionMoments(mean, meanLog)
	for p := 0; p < plates; p++ {
		m := mat.NewVecDense(dim, nil)
		if gv.mu0 != nil {
			m.CopyVec(gv.mu0)
		}
		cov := mat.NewSymDense(dim, nil)
		for d := 0; d < dim; d++ {
			cov.SetSym(d, d, 1/mean[d])
		}
		gv.post[p] = dists.NewGaussian(m, cov)
	}

	if parent := prior.precisionNode(); parent != nil {
		parent.attachChild(gv)
		if err := g.AddEdge(parent.meta, meta); err != nil {
			return nil, err
		}
	}
	return gv, nil
}

// Meta returns the graph identity.
func (gv *GaussianVector) Meta() *graph.Meta { return gv.meta }

// Name returns the display name.
func (gv *GaussianVector) Name() string { return gv.meta.Name() }

// Dim returns the per-plate dimensionality.
func (gv *GaussianVector) Dim() int { return gv.dim }

// Plates returns the number of plates.
func (gv *GaussianVector) Plates() int { return gv.plates }

// PrecisionParent returns the Gamma ARD parent, or nil when the prior
// precision is constant.
func (gv *GaussianVector) PrecisionParent() *Gamma { return gv.prior.precisionNode() }

// PriorMean returns the shared prior mean, or nil when it is zero.
// Shared storage, read-only.
func (gv *GaussianVector) PriorMean() *mat.VecDense { return gv.mu0 }

// Posterior returns the posterior of plate p. The returned distribution
// shares storage with the node.
func (gv *GaussianVector) Posterior(p int) dists.Gaussian { return gv.post[p] }

// PosteriorMean returns ⟨x_p⟩. Shared storage, read-only.
func (gv *GaussianVector) PosteriorMean(p int) *mat.VecDense { return gv.post[p].Mean }

// PosteriorCov returns Cov(x_p). Shared storage, read-only.
func (gv *GaussianVector) PosteriorCov(p int) *mat.SymDense { return gv.post[p].Cov }

// Second returns ⟨x_p·x_pᵀ⟩, memoized between posterior changes. Shared
// storage, read-only.
func (gv *GaussianVector) Second(p int) *mat.SymDense {
	if !gv.secondsValid[p] {
		gv.seconds[p] = gv.post[p].Second()
		gv.secondsValid[p] = true
	}
	return gv.seconds[p]
}

// SetPosterior replaces the posterior of plate p.
func (gv *GaussianVector) SetPosterior(p int, post dists.Gaussian) error {
	if post.Dim() != gv.dim || post.Cov.SymmetricDim() != gv.dim {
		return coreerrors.Shape("set_posterior", gv.meta.Name(),
			"posterior dimension %d, want %d", post.Dim(), gv.dim)
	}
	gv.post[p] = post
	gv.secondsValid[p] = false
	return nil
}

// InitializeRandom draws the posterior means from a standard normal and
// resets the covariances to identity. This is the symmetry-breaking hook
// for models whose bilinear factors would otherwise start in a fixed point
// of all-zero means.
func (gv *GaussianVector) InitializeRandom(rng *rand.Rand) {
	for p := 0; p < gv.plates; p++ {
		m := mat.NewVecDense(gv.dim, nil)
		for d := 0; d < gv.dim; d++ {
			m.SetVec(d, rng.NormFloat64())
		}
		gv.post[p] = dists.NewGaussian(m, linalg.Eye(gv.dim))
		gv.secondsValid[p] = false
	}
}

// Update recomputes every plate's posterior: Λ_p = diag(⟨γ⟩) + Σ Φ,
// η_p = diag(⟨γ⟩)·μ₀ + Σ η over the attached children, then Σ_p = Λ_p⁻¹
// and m_p = Σ_p·η_p through the jitter-guarded factorization.
func (gv *GaussianVector) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mean := make([]float64, gv.dim)
	meanLog := make([]float64, gv.dim)
	gv.prior.precisionMoments(mean, meanLog)

	for p := 0; p < gv.plates; p++ {
		phi := linalg.DiagSym(mean)
		eta := mat.NewVecDense(gv.dim, nil)
		if gv.mu0 != nil {
			for d := 0; d < gv.dim; d++ {
				eta.SetVec(d, mean[d]*gv.mu0.AtVec(d))
			}
		}

		for _, child := range gv.children {
			child.messageToGaussian(gv, p, eta, phi)
		}

		chol, err := linalg.Chol(phi)
		if err != nil {
			return coreerrors.Numerical("update", gv.meta.Name(), "plate %d: %v", p, err)
		}
		cov := mat.NewSymDense(gv.dim, nil)
		if err := chol.InverseTo(cov); err != nil {
			return coreerrors.Wrap(coreerrors.KindNumerical, "update", gv.meta.Name(), err)
		}
		m := mat.NewVecDense(gv.dim, nil)
		if err := chol.SolveVecTo(m, eta); err != nil {
			return coreerrors.Wrap(coreerrors.KindNumerical, "update", gv.meta.Name(), err)
		}

		gv.post[p] = dists.NewGaussian(m, cov)
		gv.secondsValid[p] = false
	}
	return nil
}

// Bound returns Σ_p ⟨ln N(x_p; μ₀, diag(γ)⁻¹)⟩ + H(q_p).
func (gv *GaussianVector) Bound() (float64, error) {
	mean := make([]float64, gv.dim)
	meanLog := make([]float64, gv.dim)
	gv.prior.precisionMoments(mean, meanLog)

	var sumMeanLog float64
	for _, v := range meanLog {
		sumMeanLog += v
	}

	var total float64
	for p := 0; p < gv.plates; p++ {
		post := gv.post[p]
		var quad float64
		for d := 0; d < gv.dim; d++ {
			md := post.Mean.AtVec(d)
			dev := post.Cov.At(d, d) + md*md
			if gv.mu0 != nil {
				mu := gv.mu0.AtVec(d)
				dev += mu*mu - 2*mu*md
			}
			quad += mean[d] * dev
		}
		lp := 0.5*sumMeanLog - 0.5*float64(gv.dim)*dists.Ln2Pi - 0.5*quad

		h, err := post.Entropy()
		if err != nil {
			return 0, coreerrors.Numerical("bound", gv.meta.Name(), "plate %d: %v", p, err)
		}
		total += lp + h
	}
	return total, nil
}

// attachChild registers a message-sending child.
func (gv *GaussianVector) attachChild(child gaussianChild) {
	gv.children = append(gv.children, child)
}

// messageToGamma sends the ARD increments to the precision parent: for a
// per-dimension parent Δa_d = P/2 and Δb_d = ½·Σ_p ⟨(x_{p,d}−μ₀_d)²⟩; a
// single-plate parent receives the dimensions pooled.
func (gv *GaussianVector) messageToGamma(target *Gamma, da, db []float64) {
	if gv.prior.precisionNode() != target {
		return
	}

	for d := 0; d < gv.dim; d++ {
		var dev float64
		for p := 0; p < gv.plates; p++ {
			post := gv.post[p]
			md := post.Mean.AtVec(d)
			dev += post.Cov.At(d, d) + md*md
			if gv.mu0 != nil {
				mu := gv.mu0.AtVec(d)
				dev += mu*mu - 2*mu*md
			}
		}
		if target.plates == 1 {
			da[0] += 0.5 * float64(gv.plates)
			db[0] += 0.5 * dev
		} else {
			da[d] += 0.5 * float64(gv.plates)
			db[d] += 0.5 * dev
		}
	}
}

// =============================================================================
// Regressor
// =============================================================================
//
// A Gaussian plate node can serve as the regressor of an observation
// factor, with plates as steps. Factor models like PCA use this pairing.

// RegressorDim implements Regressor.
func (gv *GaussianVector) RegressorDim() int { return gv.dim }

// RegressorLen implements Regressor.
func (gv *GaussianVector) RegressorLen() int { return gv.plates }

// RegressorMoments implements Regressor.
func (gv *GaussianVector) RegressorMoments(t int) (mat.Vector, *mat.SymDense) {
	return gv.post[t].Mean, gv.Second(t)
}

func (gv *GaussianVector) regressorMeta() *graph.Meta { return gv.meta }
