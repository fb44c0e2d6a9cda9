package nodes

import (
	"context"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/linalg"
)

// stubGaussianChild replays a fixed natural-parameter message to every
// plate of its target.
type stubGaussianChild struct {
	target *GaussianVector
	eta    []float64
	phi    *mat.SymDense
}

func (s *stubGaussianChild) messageToGaussian(target *GaussianVector, plate int, eta *mat.VecDense, phi *mat.SymDense) {
	if target != s.target {
		return
	}
	for d := range s.eta {
		eta.SetVec(d, eta.AtVec(d)+s.eta[d])
	}
	linalg.AddSymScaled(phi, 1, s.phi)
}

func TestNewGaussianVectorValidation(t *testing.T) {
	g := graph.New()
	if _, err := NewGaussianVector(g, "bad", 0, 1, IsoPrecision(1)); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error for zero dim, got %v", err)
	}
	if _, err := NewGaussianVector(g, "bad", 2, 0, IsoPrecision(1)); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error for zero plates, got %v", err)
	}
	if _, err := NewGaussianVector(g, "bad", 3, 1, ConstPrecision([]float64{1, 2})); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error for precision length mismatch, got %v", err)
	}
	if _, err := NewGaussianVector(g, "bad", 2, 1, IsoPrecision(1), WithPriorMean([]float64{1, 2, 3})); !coreerrors.IsShape(err) {
		t.Fatalf("expected shape error for prior mean length mismatch, got %v", err)
	}
}

func TestGaussianVectorInitFromPrior(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 3, ConstPrecision([]float64{4, 1}), WithPriorMean([]float64{1, -2}))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	for p := 0; p < 3; p++ {
		vecApprox(t, "init mean", gv.PosteriorMean(p), mat.NewVecDense(2, []float64{1, -2}), 0)
		approx(t, "init cov[0,0]", gv.PosteriorCov(p).At(0, 0), 0.25, 1e-15)
		approx(t, "init cov[1,1]", gv.PosteriorCov(p).At(1, 1), 1, 1e-15)
		approx(t, "init cov[0,1]", gv.PosteriorCov(p).At(0, 1), 0, 0)
	}
}

func TestGaussianVectorPriorOnlyUpdate(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 1, ConstPrecision([]float64{4, 1}), WithPriorMean([]float64{1, -2}))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	gv.InitializeRandom(rand.New(rand.NewSource(3)))

	if err := gv.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	vecApprox(t, "mean", gv.PosteriorMean(0), mat.NewVecDense(2, []float64{1, -2}), 1e-9)
	approx(t, "cov[0,0]", gv.PosteriorCov(0).At(0, 0), 0.25, 1e-9)
	approx(t, "cov[1,1]", gv.PosteriorCov(0).At(1, 1), 1, 1e-9)
}

func TestGaussianVectorUpdateWithChild(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 1, IsoPrecision(0.5))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}

	phi := mat.NewSymDense(2, []float64{3, 1, 1, 2})
	eta := []float64{4, -1}
	gv.attachChild(&stubGaussianChild{target: gv, eta: eta, phi: phi})

	if err := gv.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Λ = diag(0.5) + Φ, Σ = Λ⁻¹, m = Σ·η.
	lam := mat.NewSymDense(2, []float64{3.5, 1, 1, 2.5})
	wantCov, err := linalg.SPDInverse(lam)
	if err != nil {
		t.Fatalf("SPDInverse: %v", err)
	}
	wantMean := mat.NewVecDense(2, nil)
	wantMean.MulVec(wantCov, mat.NewVecDense(2, eta))

	vecApprox(t, "mean", gv.PosteriorMean(0), wantMean, 1e-9)
	matApprox(t, "cov", gv.PosteriorCov(0), wantCov, 1e-9)
}

// At the prior the bound is -KL(q‖p) = 0 for any precision and mean.
func TestGaussianVectorBoundZeroAtPrior(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 3, 2, ConstPrecision([]float64{4, 0.25, 9}), WithPriorMean([]float64{1, -2, 0.5}))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	b, err := gv.Bound()
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	approx(t, "bound at prior", b, 0, 1e-10)
}

func TestGaussianVectorBoundDropsAwayFromPrior(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 1, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	post := dists.NewGaussian(mat.NewVecDense(2, []float64{3, -1}), linalg.Eye(2))
	if err := gv.SetPosterior(0, post); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}
	b, err := gv.Bound()
	if err != nil {
		t.Fatalf("Bound: %v", err)
	}
	// -KL for unit covariances is -½‖m‖² = -5.
	approx(t, "bound", b, -5, 1e-10)
}

func TestGaussianVectorARDMessage(t *testing.T) {
	g := graph.New()
	ard, err := NewGamma(g, "alpha", 2, 1e-3, 1e-3)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	gv, err := NewGaussianVector(g, "a", 2, 3, ard)
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}

	// Known posteriors: plate p has mean (p+1)·(1, 2), covariance I.
	for p := 0; p < 3; p++ {
		m := mat.NewVecDense(2, []float64{float64(p + 1), 2 * float64(p + 1)})
		if err := gv.SetPosterior(p, dists.NewGaussian(m, linalg.Eye(2))); err != nil {
			t.Fatalf("SetPosterior: %v", err)
		}
	}

	if err := ard.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Δa_d = P/2; Δb_d = ½·Σ_p (cov_dd + m_pd²).
	// d=0: ½·(1+1 + 1+4 + 1+9) = 8.5; d=1: ½·(1+4 + 1+16 + 1+36) = 29.5.
	approx(t, "shape[0]", ard.Posterior(0).Shape, 1e-3+1.5, 1e-12)
	approx(t, "rate[0]", ard.Posterior(0).Rate, 1e-3+8.5, 1e-12)
	approx(t, "shape[1]", ard.Posterior(1).Shape, 1e-3+1.5, 1e-12)
	approx(t, "rate[1]", ard.Posterior(1).Rate, 1e-3+29.5, 1e-12)
}

func TestGaussianVectorPooledGammaMessage(t *testing.T) {
	g := graph.New()
	pooled, err := NewGamma(g, "gamma", 1, 2, 2)
	if err != nil {
		t.Fatalf("NewGamma: %v", err)
	}
	gv, err := NewGaussianVector(g, "c", 2, 2, pooled)
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	for p := 0; p < 2; p++ {
		m := mat.NewVecDense(2, []float64{1, -1})
		if err := gv.SetPosterior(p, dists.NewGaussian(m, linalg.Eye(2))); err != nil {
			t.Fatalf("SetPosterior: %v", err)
		}
	}

	if err := pooled.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Pooled over D=2 dimensions and P=2 plates: Δa = D·P/2 = 2,
	// Δb = ½·Σ_{p,d} (1 + 1) = 4.
	approx(t, "pooled shape", pooled.Posterior(0).Shape, 4, 1e-12)
	approx(t, "pooled rate", pooled.Posterior(0).Rate, 6, 1e-12)
}

func TestGaussianVectorSecondMemo(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 1, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	post := dists.NewGaussian(mat.NewVecDense(2, []float64{2, 3}), linalg.Eye(2))
	if err := gv.SetPosterior(0, post); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}

	want := mat.NewSymDense(2, []float64{5, 6, 6, 10})
	matApprox(t, "second", gv.Second(0), want, 1e-12)
	if gv.Second(0) != gv.Second(0) {
		t.Fatal("second moment should be memoized between posterior changes")
	}

	if err := gv.SetPosterior(0, dists.StandardGaussian(2)); err != nil {
		t.Fatalf("SetPosterior: %v", err)
	}
	matApprox(t, "second after reset", gv.Second(0), linalg.Eye(2), 1e-12)
}

func TestInitializeRandomReproducible(t *testing.T) {
	g := graph.New()
	a, err := NewGaussianVector(g, "a", 3, 2, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	b, err := NewGaussianVector(g, "b", 3, 2, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}

	a.InitializeRandom(rand.New(rand.NewSource(11)))
	b.InitializeRandom(rand.New(rand.NewSource(11)))
	for p := 0; p < 2; p++ {
		vecApprox(t, "means", a.PosteriorMean(p), b.PosteriorMean(p), 0)
		matApprox(t, "covs", a.PosteriorCov(p), linalg.Eye(3), 0)
	}

	if allPlatesZero(a) {
		t.Fatal("randomized means should not all be zero")
	}
}

func TestGaussianVectorSnapshotRestore(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "b", 2, 2, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	gv.InitializeRandom(rand.New(rand.NewSource(5)))
	wantMean := linalg.CloneVec(gv.PosteriorMean(1))

	snap, err := gv.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	gv.InitializeRandom(rand.New(rand.NewSource(99)))
	if err := gv.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	vecApprox(t, "restored mean", gv.PosteriorMean(1), wantMean, 0)
}

func TestGaussianVectorRegressorMoments(t *testing.T) {
	g := graph.New()
	gv, err := NewGaussianVector(g, "x", 2, 4, IsoPrecision(1))
	if err != nil {
		t.Fatalf("NewGaussianVector: %v", err)
	}
	if gv.RegressorDim() != 2 || gv.RegressorLen() != 4 {
		t.Fatalf("regressor dims = %d×%d, want 2×4", gv.RegressorDim(), gv.RegressorLen())
	}
	m, s := gv.RegressorMoments(2)
	vecApprox(t, "moment mean", m, gv.PosteriorMean(2), 0)
	matApprox(t, "moment second", s, gv.Second(2), 0)
}
