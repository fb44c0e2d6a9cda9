package nodes

import (
	"context"
	"testing"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
)

// stubGammaChild replays fixed shape/rate increments.
type stubGammaChild struct {
	target *Gamma
	da, db float64
}

func (s *stubGammaChild) messageToGamma(target *Gamma, da, db []float64) {
	if target != s.target {
		return
	}
	for p := range da {
		da[p] += s.da
		db[p] += s.db
	}
}

func TestNewGammaValidation(t *testing.T) {
	g := graph.New()
	if _, err := NewGamma(g, "bad", 0, 1, 1); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error for zero plates, got %v", err)
	}
	if _, err := NewGamma(g, "bad", 2, -1, 1); !coreerrors.IsNumerical(err) {
		t.Fatalf("expected numerical error for negative shape, got %v", err)
	}
	if _, err := NewGamma(g, "bad", 2, 1, 0); !coreerrors.IsNumerical(err) {
		t.Fatalf("expected numerical error for zero rate, got %v", err)
	}
}

func TestGammaStartsAtPrior(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 3, 2, 5)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	for p := 0; p < 3; p++ {
		q := gm.Posterior(p)
		approx(t, "shape", q.Shape, 2, 0)
		approx(t, "rate", q.Rate, 5, 0)
	}
	means := gm.Means()
	for _, m := range means {
		approx(t, "mean", m, 0.4, 1e-15)
	}
}

func TestGammaUpdateNoChildren(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 2, 1e-3, 1e-3)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	if err := gm.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for p := 0; p < 2; p++ {
		q := gm.Posterior(p)
		approx(t, "shape", q.Shape, 1e-3, 0)
		approx(t, "rate", q.Rate, 1e-3, 0)
	}
}

func TestGammaUpdateWithChild(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 2, 0.5, 2)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	gm.attachChild(&stubGammaChild{target: gm, da: 10, db: 40})
	gm.attachChild(&stubGammaChild{target: gm, da: 5, db: 8})

	if err := gm.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	for p := 0; p < 2; p++ {
		q := gm.Posterior(p)
		approx(t, "shape", q.Shape, 15.5, 1e-12)
		approx(t, "rate", q.Rate, 50, 1e-12)
	}
}

func TestGammaUpdateRejectsInvalidPosterior(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 1, 1, 1)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	gm.attachChild(&stubGammaChild{target: gm, da: 0, db: -2})
	if err := gm.Update(context.Background()); !coreerrors.IsNumerical(err) {
		t.Fatalf("expected numerical error for negative rate, got %v", err)
	}
}

func TestGammaUpdateCanceledContext(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 1, 1, 1)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gm.Update(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

// At the prior the bound is E_q[ln p] + H(q) = -KL(q‖p) = 0.
func TestGammaBoundZeroAtPrior(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 4, 2.5, 7)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	b, err := gm.Bound()
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	approx(t, "bound at prior", b, 0, 1e-10)
}

func TestGammaBoundAwayFromPrior(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 1, 2, 3)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	q, err := dists.NewGamma(6, 1.5)
	if err != nil {
		t.Fatalf("NewGamma dist: %v", err)
	}
	if err := gm.SetPosterior(0, q); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}

	b, err := gm.Bound()
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	want := q.ExpectedLogPrior(2, 3) + q.Entropy()
	approx(t, "bound", b, want, 1e-12)
	if b >= 0 {
		t.Fatalf("bound away from prior = %v, want negative (it is -KL)", b)
	}
}

func TestGammaAsPrecisionSource(t *testing.T) {
	g := graph.New()
	shared, err := NewGamma(g, "shared", 1, 2, 4)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	perDim, err := NewGamma(g, "per_dim", 3, 2, 4)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	wrong, err := NewGamma(g, "wrong", 2, 2, 4)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}

	if err := shared.validatePrecisionDim("test", "", 3); err != nil {
		t.Fatalf("single plate should broadcast: %v", err)
	}
	if err := perDim.validatePrecisionDim("test", "", 3); err != nil {
		t.Fatalf("matching plates should validate: %v", err)
	}
	if err := wrong.validatePrecisionDim("test", "", 3); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error, got %v", err)
	}

	mean := make([]float64, 3)
	meanLog := make([]float64, 3)
	shared.precisionMoments(mean, meanLog)
	for d := 0; d < 3; d++ {
		approx(t, "broadcast mean", mean[d], 0.5, 1e-15)
	}
}

func TestGammaNoiseRequiresSinglePlate(t *testing.T) {
	g := graph.New()
	multi, err := NewGamma(g, "multi", 2, 1, 1)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	if err := multi.validateNoise("test", ""); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestGammaSnapshotRestore(t *testing.T) {
	g := graph.New()
	gm, err := NewGamma(g, "tau", 2, 1, 1)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	q, err := dists.NewGamma(7.5, 0.25)
	if err != nil {
		t.Fatalf("NewGamma dist: %v", err)
	}
	if err := gm.SetPosterior(1, q); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}

	snap, err := gm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	other, err := dists.NewGamma(1, 100)
	if err != nil {
		t.Fatalf("NewGamma dist: %v", err)
	}
	if err := gm.SetPosterior(1, other); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}

	if err := gm.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	approx(t, "restored shape", gm.Posterior(1).Shape, 7.5, 0)
	approx(t, "restored rate", gm.Posterior(1).Rate, 0.25, 0)

	bad, err := NewGamma(g, "bad", 3, 1, 1)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	if err := bad.Restore(snap); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error restoring mismatched state, got %v", err)
	}
}
