package checkpoint

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/meanfield/core/dists"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/nodes"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "checkpoints.db")
	store, err := Open(path)
	require.NoError(t, err, "Open")
	t.Cleanup(func() { store.Close() })
	return store
}

type model struct {
	tau *nodes.Gamma
	c   *nodes.GaussianVector
	x   *nodes.MarkovChain
}

func newModel(t *testing.T) *model {
	t.Helper()
	g := graph.New()
	tau, err := nodes.NewGamma(g, "tau", 2, 1e-3, 1e-3)
	require.NoError(t, err, "NewGamma")
	c, err := nodes.NewGaussianVector(g, "c", 2, 3, nodes.IsoPrecision(1))
	require.NoError(t, err, "NewGaussianVector")
	dyn, err := nodes.NewGaussianVector(g, "a", 2, 2, nodes.IsoPrecision(1))
	require.NoError(t, err, "NewGaussianVector")
	x, err := nodes.NewMarkovChain(g, "x", 2, 4, dyn, nodes.IsoPrecision(1))
	require.NoError(t, err, "NewMarkovChain")
	return &model{tau: tau, c: c, x: x}
}

func (m *model) snapshotters() []nodes.Snapshotter {
	return []nodes.Snapshotter{m.tau, m.c, m.x}
}

// scatter moves every posterior away from its construction values so
// round trips have something to prove.
func scatter(t *testing.T, m *model, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	for p := 0; p < m.tau.Plates(); p++ {
		q, err := dists.NewGamma(0.5+rng.Float64(), 0.5+rng.Float64())
		require.NoError(t, err, "NewGamma")
		require.NoError(t, m.tau.SetPosterior(p, q), "SetPosterior")
	}

	m.c.InitializeRandom(rng)

	d, n := m.x.Dim(), m.x.Steps()
	means := make([]*mat.VecDense, n)
	covs := make([]*mat.SymDense, n)
	cross := make([]*mat.Dense, n-1)
	for i := 0; i < n; i++ {
		mv := mat.NewVecDense(d, nil)
		cv := mat.NewSymDense(d, nil)
		for k := 0; k < d; k++ {
			mv.SetVec(k, rng.NormFloat64())
			cv.SetSym(k, k, 1+rng.Float64())
		}
		means[i] = mv
		covs[i] = cv
	}
	for i := 0; i < n-1; i++ {
		cr := mat.NewDense(d, d, nil)
		for k := 0; k < d; k++ {
			cr.Set(k, k, 0.1)
		}
		cross[i] = cr
	}
	require.NoError(t, m.x.SetPosterior(means, covs, cross, -1.25+rng.Float64()), "SetPosterior")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	m := newModel(t)
	scatter(t, m, 7)

	require.NoError(t, store.CreateRun(ctx, "run-1", "statespace"), "CreateRun")
	require.NoError(t, store.Save(ctx, "run-1", 5, -123.5, m.snapshotters()), "Save")

	other := newModel(t)
	sweep, bound, err := store.LoadLatest(ctx, "run-1", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 5, sweep)
	assert.Equal(t, -123.5, bound)

	for p := 0; p < m.tau.Plates(); p++ {
		assert.Equal(t, m.tau.Posterior(p), other.tau.Posterior(p), "tau plate %d", p)
	}
	for p := 0; p < m.c.Plates(); p++ {
		assert.True(t, mat.Equal(other.c.PosteriorMean(p), m.c.PosteriorMean(p)),
			"c plate %d mean should survive the round trip", p)
	}
	for i := 0; i < m.x.Steps(); i++ {
		assert.True(t, mat.Equal(other.x.StateMean(i), m.x.StateMean(i)),
			"x step %d mean should survive the round trip", i)
	}
	assert.True(t, mat.Equal(other.x.CrossCov(0), m.x.CrossCov(0)), "x cross cov")
	assert.Equal(t, m.x.LogDetJoint(), other.x.LogDetJoint(), "x logdet")
}

func TestLoadLatestPicksNewestSweep(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	m := newModel(t)
	scatter(t, m, 1)
	require.NoError(t, store.Save(ctx, "run-1", 2, -50, m.snapshotters()), "Save")
	scatter(t, m, 2)
	require.NoError(t, store.Save(ctx, "run-1", 6, -40, m.snapshotters()), "Save")
	want := m.tau.Posterior(0)

	other := newModel(t)
	sweep, bound, err := store.LoadLatest(ctx, "run-1", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 6, sweep)
	assert.Equal(t, -40.0, bound)
	assert.Equal(t, want, other.tau.Posterior(0), "restore should use the sweep-6 posterior")
}

func TestSaveReplacesSweep(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	m := newModel(t)
	scatter(t, m, 3)
	require.NoError(t, store.Save(ctx, "run-1", 3, -10, m.snapshotters()), "Save")
	scatter(t, m, 4)
	require.NoError(t, store.Save(ctx, "run-1", 3, -8, m.snapshotters()), "Save")

	other := newModel(t)
	sweep, bound, err := store.LoadLatest(ctx, "run-1", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 3, sweep)
	assert.Equal(t, -8.0, bound)
	assert.True(t, mat.Equal(other.c.PosteriorMean(0), m.c.PosteriorMean(0)),
		"resaving a sweep should replace its payloads")
}

func TestLoadLatestUnknownRun(t *testing.T) {
	store := openStore(t)
	m := newModel(t)

	_, _, err := store.LoadLatest(context.Background(), "missing", m.snapshotters())
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestLoadLatestMissingNode(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	m := newModel(t)
	require.NoError(t, store.Save(ctx, "run-1", 1, -5, []nodes.Snapshotter{m.tau}), "Save")

	_, _, err := store.LoadLatest(ctx, "run-1", m.snapshotters())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot")
}

func TestRunsListing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	m := newModel(t)
	require.NoError(t, store.CreateRun(ctx, "reg-1", "regression"), "CreateRun")
	require.NoError(t, store.CreateRun(ctx, "ss-1", "statespace"), "CreateRun")
	require.NoError(t, store.Save(ctx, "anon", 1, -1, m.snapshotters()), "Save")

	runs, err := store.Runs(ctx)
	require.NoError(t, err, "Runs")

	models := make(map[string]string, len(runs))
	for _, r := range runs {
		models[r.ID] = r.Model
		assert.False(t, r.CreatedAt.IsZero(), "run %q creation time", r.ID)
	}
	assert.Equal(t, map[string]string{
		"reg-1": "regression",
		"ss-1":  "statespace",
		"anon":  "",
	}, models)

	// Relabeling keeps a single row.
	require.NoError(t, store.CreateRun(ctx, "ss-1", "lgssm"), "CreateRun")
	runs, err = store.Runs(ctx)
	require.NoError(t, err, "Runs")
	require.Len(t, runs, 3)
	for _, r := range runs {
		if r.ID == "ss-1" {
			assert.Equal(t, "lgssm", r.Model)
		}
	}
}

func TestCreateRunKeepsModelAfterSave(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := newModel(t)

	require.NoError(t, store.CreateRun(ctx, "run-1", "statespace"), "CreateRun")
	require.NoError(t, store.Save(ctx, "run-1", 1, -2, m.snapshotters()), "Save")

	runs, err := store.Runs(ctx)
	require.NoError(t, err, "Runs")
	require.Len(t, runs, 1)
	assert.Equal(t, "statespace", runs[0].Model)
}

func TestWriterCadence(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := newModel(t)

	w := Writer(store, "run-w", 3, m.snapshotters())
	w.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for sweep := 1; sweep <= 7; sweep++ {
		w.AfterSweep(graph.SweepInfo{Sweep: sweep, Bound: -float64(sweep)})
	}

	other := newModel(t)
	sweep, bound, err := store.LoadLatest(ctx, "run-w", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 6, sweep, "sweep 7 is off cadence")
	assert.Equal(t, -6.0, bound)

	// The converged sweep saves even off cadence.
	w.AfterSweep(graph.SweepInfo{Sweep: 8, Bound: -1, Converged: true})
	sweep, bound, err = store.LoadLatest(ctx, "run-w", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 8, sweep)
	assert.Equal(t, -1.0, bound)
}

func TestWriterBaseOffsetsResumedSweeps(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := newModel(t)

	w := Writer(store, "run-w", 3, m.snapshotters())
	w.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	w.Base = 10
	w.AfterSweep(graph.SweepInfo{Sweep: 1, Bound: -9})
	w.AfterSweep(graph.SweepInfo{Sweep: 2, Bound: -7})

	other := newModel(t)
	sweep, bound, err := store.LoadLatest(ctx, "run-w", other.snapshotters())
	require.NoError(t, err, "LoadLatest")
	assert.Equal(t, 12, sweep, "only absolute sweep 12 is on cadence")
	assert.Equal(t, -7.0, bound)
}

func TestWriterNormalizesCadence(t *testing.T) {
	store := openStore(t)
	m := newModel(t)
	w := Writer(store, "run-w", 0, m.snapshotters())
	assert.Equal(t, 1, w.Every)
}

func TestWriterLogsSaveFailure(t *testing.T) {
	store := openStore(t)
	m := newModel(t)

	var buf bytes.Buffer
	w := Writer(store, "run-w", 1, m.snapshotters())
	w.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	store.Close()
	w.AfterSweep(graph.SweepInfo{Sweep: 1, Bound: -1})

	assert.Contains(t, buf.String(), "checkpoint save failed")
}
