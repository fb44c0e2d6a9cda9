package models

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/engine"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/nodes"
)

// RegressionConfig assembles the polynomial regression model
// y_n ~ N(bᵀ·x̃_n, τ⁻¹) with the design x̃_n = (x_nᵏ, …, x_n, 1).
type RegressionConfig struct {
	// X, Y are the inputs and observations; lengths must match.
	X []float64
	Y []float64

	// Degree of the polynomial design. Zero means linear.
	Degree int

	// PriorPrecision is the isotropic prior precision on the
	// coefficients. Zero means 1e-6.
	PriorPrecision float64

	// NoiseShape, NoiseRate form the Gamma prior on τ. Zero means 1e-3.
	NoiseShape float64
	NoiseRate  float64

	// Engine passes through to engine.New.
	Engine engine.Config
}

// Regression bundles the assembled graph, its nodes and the engine that
// fits them.
type Regression struct {
	Graph  *graph.Graph
	B      *nodes.GaussianVector
	Tau    *nodes.Gamma
	Lik    *nodes.Likelihood
	Engine *engine.Engine
}

// NewRegression builds the regression graph and binds the observations.
// The update order is B, τ.
func NewRegression(cfg RegressionConfig) (*Regression, error) {
	if len(cfg.X) == 0 || len(cfg.X) != len(cfg.Y) {
		return nil, coreerrors.Model("new_regression", "regression",
			"got %d inputs and %d observations", len(cfg.X), len(cfg.Y))
	}
	if cfg.Degree < 0 {
		return nil, coreerrors.Model("new_regression", "regression",
			"degree %d must not be negative", cfg.Degree)
	}
	degree := cfg.Degree
	if degree == 0 {
		degree = 1
	}
	prior := cfg.PriorPrecision
	if prior <= 0 {
		prior = 1e-6
	}
	shape, rate := cfg.NoiseShape, cfg.NoiseRate
	if shape <= 0 {
		shape = 1e-3
	}
	if rate <= 0 {
		rate = 1e-3
	}

	g := graph.New()
	b, err := nodes.NewGaussianVector(g, "b", degree+1, 1, nodes.IsoPrecision(prior))
	if err != nil {
		return nil, err
	}
	tau, err := nodes.NewGamma(g, "tau", 1, shape, rate)
	if err != nil {
		return nil, err
	}
	design, err := nodes.NewDesign(g, "design", PolynomialDesign(cfg.X, degree))
	if err != nil {
		return nil, err
	}
	lik, err := nodes.NewLikelihood(g, "likelihood", b, design, tau)
	if err != nil {
		return nil, err
	}
	data := mat.NewDense(1, len(cfg.Y), append([]float64(nil), cfg.Y...))
	if err := lik.Observe(data, nil); err != nil {
		return nil, err
	}

	eng, err := engine.New(g, []nodes.Updatable{b, tau, lik}, cfg.Engine)
	if err != nil {
		return nil, err
	}
	return &Regression{Graph: g, B: b, Tau: tau, Lik: lik, Engine: eng}, nil
}

// Coefficients returns the posterior mean of b, highest power first.
func (r *Regression) Coefficients() []float64 {
	m := r.B.PosteriorMean(0)
	out := make([]float64, m.Len())
	for i := range out {
		out[i] = m.AtVec(i)
	}
	return out
}

// CoefficientSDs returns the posterior standard deviations of b.
func (r *Regression) CoefficientSDs() []float64 {
	c := r.B.PosteriorCov(0)
	out := make([]float64, c.SymmetricDim())
	for i := range out {
		out[i] = math.Sqrt(c.At(i, i))
	}
	return out
}

// NoiseMean returns ⟨τ⟩.
func (r *Regression) NoiseMean() float64 {
	return r.Tau.Means()[0]
}

// PolynomialDesign returns the (degree+1)×N design whose column n is
// (x_nᵈᵉᵍʳᵉᵉ, …, x_n, 1).
func PolynomialDesign(xs []float64, degree int) *mat.Dense {
	d := mat.NewDense(degree+1, len(xs), nil)
	for n, x := range xs {
		v := 1.0
		for k := degree; k >= 0; k-- {
			d.Set(k, n, v)
			v *= x
		}
	}
	return d
}

// GenerateRegression draws y_n = slope·x_n + intercept + ε_n with
// ε ~ N(0, noiseStd²).
func GenerateRegression(xs []float64, slope, intercept, noiseStd float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = slope*x + intercept + noiseStd*rng.NormFloat64()
	}
	return ys
}
