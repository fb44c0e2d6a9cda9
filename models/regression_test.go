package models

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/engine"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
)

func quietConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestPolynomialDesign(t *testing.T) {
	d := PolynomialDesign([]float64{2, -1}, 2)
	rows, cols := d.Dims()
	require.Equal(t, 3, rows, "one row per power")
	require.Equal(t, 2, cols, "one column per input")

	// Columns hold descending powers (x², x, 1).
	assert.Equal(t, []float64{4, 2, 1}, mat.Col(nil, 0, d))
	assert.Equal(t, []float64{1, -1, 1}, mat.Col(nil, 1, d))
}

func TestGenerateRegressionReproducible(t *testing.T) {
	xs := []float64{0, 1, 2, 3}

	a := GenerateRegression(xs, 2, 5, 1, 7)
	b := GenerateRegression(xs, 2, 5, 1, 7)
	assert.Equal(t, a, b, "same seed, same data")

	clean := GenerateRegression(xs, 2, 5, 0, 7)
	for i, x := range xs {
		assert.InDelta(t, 2*x+5, clean[i], 1e-12, "noise-free point %d", i)
	}
}

func TestNewRegressionRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		cfg  RegressionConfig
	}{
		{"no data", RegressionConfig{}},
		{"length mismatch", RegressionConfig{X: []float64{1, 2}, Y: []float64{1}}},
		{"negative degree", RegressionConfig{X: []float64{1}, Y: []float64{1}, Degree: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegression(tc.cfg)
			require.Error(t, err)
			assert.True(t, coreerrors.IsModel(err), "want model error, got %v", err)
		})
	}
}

func TestRegressionRecoversLine(t *testing.T) {
	xs := make([]float64, 10)
	for i := range xs {
		xs[i] = float64(i)
	}
	ys := GenerateRegression(xs, 2, 5, 2, 42)

	model, err := NewRegression(RegressionConfig{X: xs, Y: ys, Engine: quietConfig()})
	require.NoError(t, err, "build regression")

	res, err := model.Engine.Update(context.Background(), 1000)
	require.NoError(t, err, "fit regression")
	assert.True(t, res.Converged, "should converge within 1000 sweeps")

	for _, delta := range res.Deltas[1:] {
		assert.GreaterOrEqual(t, delta, -1e-8*math.Abs(res.Bound), "bound must not decrease")
	}

	coef := model.Coefficients()
	sds := model.CoefficientSDs()
	require.Len(t, coef, 2)
	require.Len(t, sds, 2)

	// Ten points at noise level 2 pin the slope to about ±0.22 and the
	// intercept to about ±1.2. Five posterior deviations with a floor
	// keeps the check safe for any seed.
	assert.InDelta(t, 2.0, coef[0], math.Max(5*sds[0], 1.5), "slope")
	assert.InDelta(t, 5.0, coef[1], math.Max(5*sds[1], 5.5), "intercept")
	assert.Greater(t, sds[0], 0.0, "posterior deviation")

	tau := model.NoiseMean()
	assert.Greater(t, tau, 0.02, "noise precision lower bound")
	assert.Less(t, tau, 3.0, "noise precision upper bound")
}

func TestRegressionTightensWithMoreData(t *testing.T) {
	xs := make([]float64, 200)
	for i := range xs {
		xs[i] = float64(i)
	}
	ys := GenerateRegression(xs, -1.5, 3, 2, 7)

	model, err := NewRegression(RegressionConfig{X: xs, Y: ys, Engine: quietConfig()})
	require.NoError(t, err, "build regression")

	res, err := model.Engine.Update(context.Background(), 1000)
	require.NoError(t, err, "fit regression")
	require.True(t, res.Converged)

	coef := model.Coefficients()
	assert.InDelta(t, -1.5, coef[0], 0.05, "slope")
	assert.InDelta(t, 3.0, coef[1], 1.5, "intercept")
	assert.InDelta(t, 0.25, model.NoiseMean(), 0.15, "noise precision 1/σ²")

	line := mat.NewDense(1, len(xs), nil)
	for n, x := range xs {
		line.Set(0, n, -1.5*x+3)
	}
	assert.Less(t, RMSE(model.Lik.PredictAll(), line, nil), 0.5, "fitted line error")
}

func TestRegressionQuadratic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	xs := make([]float64, 25)
	ys := make([]float64, 25)
	for i := range xs {
		x := -3 + 0.25*float64(i)
		xs[i] = x
		ys[i] = 0.5*x*x - x + 3 + 0.5*rng.NormFloat64()
	}

	model, err := NewRegression(RegressionConfig{X: xs, Y: ys, Degree: 2, Engine: quietConfig()})
	require.NoError(t, err, "build quadratic regression")

	res, err := model.Engine.Update(context.Background(), 1000)
	require.NoError(t, err, "fit quadratic regression")
	require.True(t, res.Converged)

	coef := model.Coefficients()
	require.Len(t, coef, 3)
	assert.InDelta(t, 0.5, coef[0], 0.25, "x² coefficient")
	assert.InDelta(t, -1.0, coef[1], 0.35, "x coefficient")
	assert.InDelta(t, 3.0, coef[2], 0.8, "constant term")
}
