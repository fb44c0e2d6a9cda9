// Package nodes implements the conjugate-exponential node primitives the
// engine updates: Gaussian vector plates with ARD precision parents, Gamma
// precision plates, Gaussian Markov chains and bilinear observation
// factors with missing-value masks.
//
// Nodes exchange only expected sufficient statistics. A node's Update
// recomputes its variational posterior from parent moments and the
// natural-parameter messages of its children; it never reads another
// node's raw posterior.
package nodes

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
)

// Updatable is one stochastic node (or observation factor) in the update
// schedule.
type Updatable interface {
	// Meta returns the graph identity.
	Meta() *graph.Meta

	// Update recomputes the variational posterior from current parent and
	// child moments. Observation factors are a no-op.
	Update(ctx context.Context) error

	// Bound returns the node's contribution to the variational lower
	// bound: ⟨ln p⟩ + H for stochastic nodes, ⟨ln p(data)⟩ for factors.
	Bound() (float64, error)
}

// gaussianChild sends natural-parameter messages to a Gaussian plate node.
type gaussianChild interface {
	messageToGaussian(target *GaussianVector, plate int, eta *mat.VecDense, phi *mat.SymDense)
}

// gammaChild sends shape/rate increments to a Gamma plate node.
type gammaChild interface {
	messageToGamma(target *Gamma, da, db []float64)
}

// =============================================================================
// Precision Sources
// =============================================================================
//
// A precision source supplies per-dimension precision moments ⟨γ_d⟩ and
// ⟨ln γ_d⟩ to Gaussian priors and chain innovations. It is either a fixed
// vector or a Gamma node (ARD). The interface is sealed: only package
// types can satisfy it, which enforces the conjugate pairings at compile
// time.

// PrecisionSource supplies per-dimension precision moments.
type PrecisionSource interface {
	// precisionMoments fills mean[d] = ⟨γ_d⟩ and meanLog[d] = ⟨ln γ_d⟩.
	precisionMoments(mean, meanLog []float64)

	// precisionNode returns the Gamma parent, or nil for constants.
	precisionNode() *Gamma

	// validatePrecisionDim checks the source can serve dim dimensions.
	validatePrecisionDim(op, node string, dim int) error
}

type constPrecision struct {
	vals []float64
	iso  bool
}

// ConstPrecision returns a fixed per-dimension precision source.
func ConstPrecision(vals []float64) PrecisionSource {
	out := make([]float64, len(vals))
	copy(out, vals)
	return &constPrecision{vals: out}
}

// IsoPrecision returns a fixed precision shared by every dimension.
func IsoPrecision(v float64) PrecisionSource {
	return &constPrecision{vals: []float64{v}, iso: true}
}

func (c *constPrecision) precisionMoments(mean, meanLog []float64) {
	for d := range mean {
		v := c.vals[0]
		if !c.iso {
			v = c.vals[d]
		}
		mean[d] = v
		meanLog[d] = math.Log(v)
	}
}

func (c *constPrecision) precisionNode() *Gamma { return nil }

func (c *constPrecision) validatePrecisionDim(op, node string, dim int) error {
	if !c.iso && len(c.vals) != dim {
		return coreerrors.Shape(op, node, "constant precision has %d entries, want %d", len(c.vals), dim)
	}
	for _, v := range c.vals {
		if !(v > 0) || math.IsInf(v, 0) {
			return coreerrors.Numerical(op, node, "constant precision %v must be positive and finite", v)
		}
	}
	return nil
}

// =============================================================================
// Noise Sources
// =============================================================================

// NoiseSource supplies the scalar observation-noise precision moments.
type NoiseSource interface {
	// noiseMoments returns ⟨τ⟩ and ⟨ln τ⟩.
	noiseMoments() (mean, meanLog float64)

	// noiseNode returns the Gamma parent, or nil for constants.
	noiseNode() *Gamma

	// validateNoise checks the source is a legal scalar noise precision.
	validateNoise(op, node string) error
}

type constNoise struct {
	val float64
}

// ConstNoise returns a fixed observation-noise precision.
func ConstNoise(v float64) NoiseSource {
	return &constNoise{val: v}
}

func (c *constNoise) noiseMoments() (float64, float64) {
	return c.val, math.Log(c.val)
}

func (c *constNoise) noiseNode() *Gamma { return nil }

func (c *constNoise) validateNoise(op, node string) error {
	if !(c.val > 0) || math.IsInf(c.val, 0) {
		return coreerrors.Numerical(op, node, "constant noise precision %v must be positive and finite", c.val)
	}
	return nil
}

// Regressor supplies per-step regressor moments to an observation factor.
// Implemented by Design (fixed values), GaussianVector (plates as steps)
// and MarkovChain (chain states as steps).
type Regressor interface {
	// RegressorDim returns the regressor dimensionality.
	RegressorDim() int

	// RegressorLen returns the number of steps.
	RegressorLen() int

	// RegressorMoments returns ⟨x_t⟩ and ⟨x_t·x_tᵀ⟩. Returned values are
	// shared and must not be modified.
	RegressorMoments(t int) (mat.Vector, *mat.SymDense)

	regressorMeta() *graph.Meta
}
