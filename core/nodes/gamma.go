package nodes

import (
	"context"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
)

// Gamma is a plate of independent Gamma-distributed precision variables
// with a shared Gamma(shape₀, rate₀) prior. It serves as the ARD precision
// parent of Gaussian plates, the innovation precision of Markov chains and
// the observation-noise precision of likelihood factors.
type Gamma struct {
	meta   *graph.Meta
	g      *graph.Graph
	plates int
	shape0 float64
	rate0  float64

	post     []dists.Gamma
	children []gammaChild
}

// NewGamma creates a Gamma plate node with the given prior.
func NewGamma(g *graph.Graph, name string, plates int, shape0, rate0 float64) (*Gamma, error) {
	if plates < 1 {
		return nil, coreerrors.Shape("new_gamma", name, "plates %d must be positive", plates)
	}
	if _, err := dists.NewGamma(shape0, rate0); err != nil {
		return nil, coreerrors.Numerical("new_gamma", name, "invalid prior: shape %v, rate %v", shape0, rate0)
	}

	meta, err := g.Register("gamma", name)
	if err != nil {
		return nil, err
	}

	post := make([]dists.Gamma, plates)
	for p := range post {
		post[p] = dists.Gamma{Shape: shape0, Rate: rate0}
	}

	return &Gamma{
		meta:   meta,
		g:      g,
		plates: plates,
		shape0: shape0,
		rate0:  rate0,
		post:   post,
	}, nil
}

// Meta returns the graph identity.
func (gm *Gamma) Meta() *graph.Meta { return gm.meta }

// Name returns the display name.
func (gm *Gamma) Name() string { return gm.meta.Name() }

// Plates returns the number of independent Gamma variables.
func (gm *Gamma) Plates() int { return gm.plates }

// Prior returns the shared prior shape and rate.
func (gm *Gamma) Prior() (shape, rate float64) { return gm.shape0, gm.rate0 }

// Posterior returns the posterior of plate p.
func (gm *Gamma) Posterior(p int) dists.Gamma { return gm.post[p] }

// SetPosterior replaces the posterior of plate p.
func (gm *Gamma) SetPosterior(p int, post dists.Gamma) error {
	if _, err := dists.NewGamma(post.Shape, post.Rate); err != nil {
		return coreerrors.Wrap(coreerrors.KindNumerical, "set_posterior", gm.meta.Name(), err)
	}
	gm.post[p] = post
	return nil
}

// Means returns ⟨γ_p⟩ for every plate.
func (gm *Gamma) Means() []float64 {
	out := make([]float64, gm.plates)
	for p, q := range gm.post {
		out[p] = q.Mean()
	}
	return out
}

// Update recomputes the posterior from the children's shape/rate
// increments: a_p = a₀ + Σ Δa_p, b_p = b₀ + Σ Δb_p.
func (gm *Gamma) Update(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	da := make([]float64, gm.plates)
	db := make([]float64, gm.plates)
	for _, child := range gm.children {
		child.messageToGamma(gm, da, db)
	}

	for p := 0; p < gm.plates; p++ {
		post, err := dists.NewGamma(gm.shape0+da[p], gm.rate0+db[p])
		if err != nil {
			return coreerrors.Numerical("update", gm.meta.Name(),
				"plate %d: shape %v, rate %v", p, gm.shape0+da[p], gm.rate0+db[p])
		}
		gm.post[p] = post
	}
	return nil
}

// Bound returns Σ_p ⟨ln p(γ_p)⟩ + H(q_p).
func (gm *Gamma) Bound() (float64, error) {
	var sum float64
	for _, q := range gm.post {
		sum += q.ExpectedLogPrior(gm.shape0, gm.rate0) + q.Entropy()
	}
	return sum, nil
}

// attachChild registers a message-sending child.
func (gm *Gamma) attachChild(child gammaChild) {
	gm.children = append(gm.children, child)
}

// =============================================================================
// PrecisionSource and NoiseSource
// =============================================================================

func (gm *Gamma) precisionMoments(mean, meanLog []float64) {
	for d := range mean {
		q := gm.post[0]
		if gm.plates > 1 {
			q = gm.post[d]
		}
		mean[d] = q.Mean()
		meanLog[d] = q.MeanLog()
	}
}

func (gm *Gamma) precisionNode() *Gamma { return gm }

func (gm *Gamma) validatePrecisionDim(op, node string, dim int) error {
	if gm.plates != dim && gm.plates != 1 {
		return coreerrors.Shape(op, node,
			"precision node %q has %d plates, want %d or 1", gm.meta.Name(), gm.plates, dim)
	}
	return nil
}

func (gm *Gamma) noiseMoments() (float64, float64) {
	return gm.post[0].Mean(), gm.post[0].MeanLog()
}

func (gm *Gamma) noiseNode() *Gamma { return gm }

func (gm *Gamma) validateNoise(op, node string) error {
	if gm.plates != 1 {
		return coreerrors.Shape(op, node,
			"noise precision node %q has %d plates, want 1", gm.meta.Name(), gm.plates)
	}
	return nil
}
