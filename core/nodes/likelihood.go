package nodes

import (
	"context"
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/linalg"
)

// =============================================================================
// Design
// =============================================================================

// Design is a fixed regressor: a D×N matrix whose column t is the
// regressor vector at step t. Second moments are exact outer products,
// precomputed once.
type Design struct {
	meta    *graph.Meta
	data    *mat.Dense
	seconds []*mat.SymDense
}

// NewDesign registers a fixed design matrix. Column t of data is the
// regressor vector at step t.
func NewDesign(g *graph.Graph, name string, data *mat.Dense) (*Design, error) {
	meta, err := g.Register("design", name)
	if err != nil {
		return nil, err
	}

	own := mat.DenseCopyOf(data)
	_, n := own.Dims()
	seconds := make([]*mat.SymDense, n)
	for t := 0; t < n; t++ {
		seconds[t] = linalg.OuterSym(own.ColView(t))
	}
	return &Design{meta: meta, data: own, seconds: seconds}, nil
}

// Meta returns the graph identity.
func (ds *Design) Meta() *graph.Meta { return ds.meta }

// RegressorDim implements Regressor.
func (ds *Design) RegressorDim() int {
	d, _ := ds.data.Dims()
	return d
}

// RegressorLen implements Regressor.
func (ds *Design) RegressorLen() int {
	_, n := ds.data.Dims()
	return n
}

// RegressorMoments implements Regressor. The second moment of a fixed
// vector is its outer product.
func (ds *Design) RegressorMoments(t int) (mat.Vector, *mat.SymDense) {
	return ds.data.ColView(t), ds.seconds[t]
}

func (ds *Design) regressorMeta() *graph.Meta { return ds.meta }

// =============================================================================
// Likelihood
// =============================================================================

// Likelihood is the bilinear observation factor
// y_{mn} ~ N(c_mᵀ·x_n, τ⁻¹) joining a coefficient plate node (rows), a
// regressor (steps) and a scalar noise precision. Data and its mask bind
// once through Observe. Cells outside the mask contribute no evidence.
type Likelihood struct {
	meta     *graph.Meta
	g        *graph.Graph
	coeff    *GaussianVector
	reg      Regressor
	regGV    *GaussianVector
	regChain *MarkovChain
	noise    NoiseSource

	rows  int
	steps int
	dim   int

	data *mat.Dense
	ysq  []float64
	mask *Mask
}

// NewLikelihood joins coefficient rows, a regressor and a noise precision
// into an observation factor. Dimensions must agree: the coefficient
// plate dimension equals the regressor dimension; data rows (bound later
// through Observe) equal the coefficient plates and data columns the
// regressor steps.
func NewLikelihood(g *graph.Graph, name string, coeff *GaussianVector, reg Regressor, noise NoiseSource) (*Likelihood, error) {
	if coeff.Dim() != reg.RegressorDim() {
		return nil, coreerrors.Shape("new_likelihood", name,
			"coefficient dimension %d, regressor dimension %d", coeff.Dim(), reg.RegressorDim())
	}
	if err := noise.validateNoise("new_likelihood", name); err != nil {
		return nil, err
	}

	lh := &Likelihood{
		g:     g,
		coeff: coeff,
		reg:   reg,
		noise: noise,
		rows:  coeff.Plates(),
		steps: reg.RegressorLen(),
		dim:   coeff.Dim(),
	}
	switch r := reg.(type) {
	case *GaussianVector:
		if r == coeff {
			return nil, coreerrors.Model("new_likelihood", name, "coefficient and regressor must be distinct nodes")
		}
		lh.regGV = r
	case *MarkovChain:
		lh.regChain = r
	}

	meta, err := g.Register("likelihood", name)
	if err != nil {
		return nil, err
	}
	lh.meta = meta

	coeff.attachChild(lh)
	if err := g.AddEdge(coeff.meta, meta); err != nil {
		return nil, err
	}
	if err := g.AddEdge(reg.regressorMeta(), meta); err != nil {
		return nil, err
	}
	if lh.regGV != nil {
		lh.regGV.attachChild(lh)
	}
	if lh.regChain != nil {
		lh.regChain.attachLikelihood(lh)
	}
	if parent := noise.noiseNode(); parent != nil {
		parent.attachChild(lh)
		if err := g.AddEdge(parent.meta, meta); err != nil {
			return nil, err
		}
	}
	return lh, nil
}

// Meta returns the graph identity.
func (lh *Likelihood) Meta() *graph.Meta { return lh.meta }

// Name returns the display name.
func (lh *Likelihood) Name() string { return lh.meta.Name() }

// Rows returns the number of observation rows.
func (lh *Likelihood) Rows() int { return lh.rows }

// Steps returns the number of observation columns.
func (lh *Likelihood) Steps() int { return lh.steps }

// Observed reports whether data has been bound.
func (lh *Likelihood) Observed() bool { return lh.data != nil }

// Mask returns the observation mask, or nil before Observe.
func (lh *Likelihood) Mask() *Mask { return lh.mask }

// Observe binds data and its mask. One-shot: a second call fails. A nil
// mask means fully observed; an all-false mask is legal and equals zero
// evidence.
func (lh *Likelihood) Observe(data *mat.Dense, mask *Mask) error {
	if lh.data != nil {
		return coreerrors.Model("observe", lh.meta.Name(), "data already bound")
	}
	r, c := data.Dims()
	if r != lh.rows || c != lh.steps {
		return coreerrors.Shape("observe", lh.meta.Name(),
			"data is %d×%d, want %d×%d", r, c, lh.rows, lh.steps)
	}
	if mask == nil {
		mask = FullMask(lh.rows, lh.steps)
	}
	if mask.Rows() != lh.rows || mask.Cols() != lh.steps {
		return coreerrors.Shape("observe", lh.meta.Name(),
			"mask is %d×%d, want %d×%d", mask.Rows(), mask.Cols(), lh.rows, lh.steps)
	}

	lh.data = mat.DenseCopyOf(data)
	lh.mask = mask
	raw := lh.data.RawMatrix().Data
	lh.ysq = vek.Mul(raw, raw)
	return nil
}

// Update implements Updatable. Observation factors carry no free
// posterior.
func (lh *Likelihood) Update(ctx context.Context) error {
	return ctx.Err()
}

// messageToGaussian accumulates the factor's natural-parameter message for
// one plate of the coefficient node (plate = row) or the stochastic
// regressor node (plate = step).
func (lh *Likelihood) messageToGaussian(target *GaussianVector, plate int, eta *mat.VecDense, phi *mat.SymDense) {
	if lh.data == nil {
		return
	}
	tauMean, _ := lh.noise.noiseMoments()

	switch target {
	case lh.coeff:
		m := plate
		for n := 0; n < lh.steps; n++ {
			if !lh.mask.Observed(m, n) {
				continue
			}
			xm, xs := lh.reg.RegressorMoments(n)
			eta.AddScaledVec(eta, tauMean*lh.data.At(m, n), xm)
			linalg.AddSymScaled(phi, tauMean, xs)
		}
	case lh.regGV:
		n := plate
		for m := 0; m < lh.rows; m++ {
			if !lh.mask.Observed(m, n) {
				continue
			}
			eta.AddScaledVec(eta, tauMean*lh.data.At(m, n), lh.coeff.PosteriorMean(m))
			linalg.AddSymScaled(phi, tauMean, lh.coeff.Second(m))
		}
	}
}

// messageToChainStep accumulates the factor's message for step t of a
// Markov chain regressor.
func (lh *Likelihood) messageToChainStep(chain *MarkovChain, t int, eta *mat.VecDense, phi *mat.SymDense) {
	if lh.data == nil || lh.regChain != chain {
		return
	}
	tauMean, _ := lh.noise.noiseMoments()
	for m := 0; m < lh.rows; m++ {
		if !lh.mask.Observed(m, t) {
			continue
		}
		eta.AddScaledVec(eta, tauMean*lh.data.At(m, t), lh.coeff.PosteriorMean(m))
		linalg.AddSymScaled(phi, tauMean, lh.coeff.Second(m))
	}
}

// messageToGamma sends the noise increments: Δa = count/2,
// Δb = ½·Σ_mask ⟨(y − cᵀx)²⟩.
func (lh *Likelihood) messageToGamma(target *Gamma, da, db []float64) {
	if lh.data == nil || lh.noise.noiseNode() != target {
		return
	}
	count := lh.mask.Count()
	if count == 0 {
		return
	}
	da[0] += 0.5 * float64(count)
	db[0] += 0.5 * lh.expectedResidualSum()
}

// expectedResidualSum returns Σ_mask ⟨(y_{mn} − c_mᵀ·x_n)²⟩ =
// Σ_mask y² − 2y·⟨c_m⟩ᵀ⟨x_n⟩ + tr(⟨c_m c_mᵀ⟩·⟨x_n x_nᵀ⟩).
func (lh *Likelihood) expectedResidualSum() float64 {
	var sum float64
	for n := 0; n < lh.steps; n++ {
		if lh.mask.ColCount(n) == 0 {
			continue
		}
		xm, xs := lh.reg.RegressorMoments(n)
		for m := 0; m < lh.rows; m++ {
			if !lh.mask.Observed(m, n) {
				continue
			}
			y := lh.data.At(m, n)
			dot := mat.Dot(lh.coeff.PosteriorMean(m), xm)
			sum += lh.ysq[m*lh.steps+n] - 2*y*dot + linalg.TraceProdSym(lh.coeff.Second(m), xs)
		}
	}
	return sum
}

// Bound returns Σ_mask ½(⟨ln τ⟩ − ln 2π − ⟨τ⟩·⟨(y − cᵀx)²⟩).
func (lh *Likelihood) Bound() (float64, error) {
	if lh.data == nil {
		return 0, coreerrors.Model("bound", lh.meta.Name(), "no data bound; call Observe first")
	}
	count := lh.mask.Count()
	if count == 0 {
		return 0, nil
	}
	tauMean, tauMeanLog := lh.noise.noiseMoments()
	return 0.5*float64(count)*(tauMeanLog-dists.Ln2Pi) - 0.5*tauMean*lh.expectedResidualSum(), nil
}

// PredictMean returns the posterior predictive mean ⟨c_m⟩ᵀ·⟨x_n⟩ for any
// cell, observed or missing.
func (lh *Likelihood) PredictMean(m, n int) float64 {
	xm, _ := lh.reg.RegressorMoments(n)
	return mat.Dot(lh.coeff.PosteriorMean(m), xm)
}

// PredictAll returns the matrix of posterior predictive means.
func (lh *Likelihood) PredictAll() *mat.Dense {
	c := mat.NewDense(lh.rows, lh.dim, nil)
	for m := 0; m < lh.rows; m++ {
		for d := 0; d < lh.dim; d++ {
			c.Set(m, d, lh.coeff.PosteriorMean(m).AtVec(d))
		}
	}
	x := mat.NewDense(lh.dim, lh.steps, nil)
	for n := 0; n < lh.steps; n++ {
		xm, _ := lh.reg.RegressorMoments(n)
		for d := 0; d < lh.dim; d++ {
			x.Set(d, n, xm.AtVec(d))
		}
	}
	out := mat.NewDense(lh.rows, lh.steps, nil)
	out.Mul(c, x)
	return out
}

// NoiseStd returns 1/√⟨τ⟩, the posterior mean noise scale.
func (lh *Likelihood) NoiseStd() float64 {
	tauMean, _ := lh.noise.noiseMoments()
	return 1 / math.Sqrt(tauMean)
}

// SymmetricallyDegenerate reports whether both the coefficient and a
// stochastic regressor sit at exactly zero posterior mean. Coordinate
// ascent cannot leave that fixed point; the caller should randomize one
// side before updating.
func (lh *Likelihood) SymmetricallyDegenerate() (bool, string, string) {
	if lh.regGV == nil && lh.regChain == nil {
		return false, "", ""
	}
	if !allPlatesZero(lh.coeff) {
		return false, "", ""
	}
	var regName string
	switch {
	case lh.regGV != nil:
		if !allPlatesZero(lh.regGV) {
			return false, "", ""
		}
		regName = lh.regGV.Name()
	case lh.regChain != nil:
		if !lh.regChain.allMeansZero() {
			return false, "", ""
		}
		regName = lh.regChain.Name()
	}
	return true, lh.coeff.Name(), regName
}

func allPlatesZero(gv *GaussianVector) bool {
	for p := 0; p < gv.Plates(); p++ {
		m := gv.PosteriorMean(p)
		for d := 0; d < m.Len(); d++ {
			if m.AtVec(d) != 0 {
				return false
			}
		}
	}
	return true
}
