// Package rotate implements rotation parameter expansion for the
// mean-field engine. Coordinate ascent on bilinear models crawls along
// the rotation manifold: scaling the latent states up and the loadings
// down (or rotating both) leaves the data term unchanged while the
// priors tighten slowly. A rotation step optimizes an invertible R
// applied jointly as X → R·X, A → R·A·R⁻¹ and C → C·R⁻¹, re-optimizes
// the ARD parents in closed form, and accepts the transform only when
// the variational bound does not decrease.
//
// The optimization runs over the D² entries of R with BFGS and central
// finite-difference gradients. Candidate evaluations are read-only;
// node posteriors change only on acceptance, with a snapshot rollback
// if any part of the transform fails to apply.
package rotate

import (
	"context"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/nodes"
)

// Config bounds the rotation optimizer.
type Config struct {
	// MaxIterations caps BFGS major iterations per rotation.
	MaxIterations int

	// Epsilon is the acceptance slack: a proposal is accepted when the
	// bound improvement is at least -Epsilon.
	Epsilon float64
}

// DefaultConfig returns the default optimizer bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		Epsilon:       1e-8,
	}
}

// Outcome reports one rotation attempt.
type Outcome struct {
	// Accepted is set when the transform was pushed into the nodes.
	Accepted bool

	// Improvement is the bound change of the affected terms.
	Improvement float64

	// Iterations is the number of optimizer iterations spent.
	Iterations int

	// Reason explains a rejection.
	Reason string
}

// candidate is one invertible transform under evaluation.
type candidate struct {
	r        *mat.Dense
	rInv     *mat.Dense
	lnAbsDet float64
}

func newCandidate(r *mat.Dense) (*candidate, bool) {
	det := mat.Det(r)
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return nil, false
	}
	var rInv mat.Dense
	if err := rInv.Inverse(r); err != nil {
		return nil, false
	}
	return &candidate{r: r, rInv: &rInv, lnAbsDet: math.Log(math.Abs(det))}, true
}

// inverse returns the paired transform R⁻ᵀ, applied to the block that
// must cancel this one in the data term.
func (c *candidate) inverse() *candidate {
	return &candidate{
		r:        mat.DenseCopyOf(c.rInv.T()),
		rInv:     mat.DenseCopyOf(c.r.T()),
		lnAbsDet: -c.lnAbsDet,
	}
}

// Block is one rotation block: a set of nodes whose bound terms depend
// on the transform. Implemented by RotateARD and RotateMarkovChain.
type Block interface {
	// setup precomputes sufficient statistics from current posteriors.
	setup() error

	// dim returns the rotated dimensionality.
	dim() int

	// bound returns the exact bound terms of the block's nodes as they
	// stand.
	bound() (float64, error)

	// transformed returns the same bound terms under the candidate,
	// with ARD parents re-optimized in closed form. Read-only.
	transformed(c *candidate) (float64, error)

	// apply pushes the transform into the block's nodes.
	apply(c *candidate) error

	// members lists the nodes apply mutates, for snapshot rollback.
	members() []nodes.Snapshotter
}

// Optimizer drives rotation attempts over one direct block (transformed
// by R) and an optional paired block (transformed by R⁻ᵀ).
type Optimizer struct {
	d       int
	direct  Block
	inverse Block
	cfg     Config
}

// NewOptimizer pairs the blocks. The inverse block may be nil when no
// loading matrix shares the rotated space.
func NewOptimizer(dim int, direct, inverse Block, cfg Config) (*Optimizer, error) {
	if direct == nil {
		return nil, coreerrors.Rotation("new_optimizer", "", "direct block required")
	}
	if direct.dim() != dim {
		return nil, coreerrors.Rotation("new_optimizer", "",
			"direct block dimension %d, want %d", direct.dim(), dim)
	}
	if inverse != nil && inverse.dim() != dim {
		return nil, coreerrors.Rotation("new_optimizer", "",
			"inverse block dimension %d, want %d", inverse.dim(), dim)
	}
	def := DefaultConfig()
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	return &Optimizer{d: dim, direct: direct, inverse: inverse, cfg: cfg}, nil
}

// blocks returns the non-nil blocks.
func (o *Optimizer) blocks() []Block {
	out := []Block{o.direct}
	if o.inverse != nil {
		out = append(out, o.inverse)
	}
	return out
}

// cost is the negated sum of transformed bound terms; +Inf outside the
// invertible region or on numerical failure.
func (o *Optimizer) cost(x []float64) float64 {
	raw := make([]float64, len(x))
	copy(raw, x)
	cand, ok := newCandidate(mat.NewDense(o.d, o.d, raw))
	if !ok {
		return math.Inf(1)
	}

	total, err := o.direct.transformed(cand)
	if err != nil {
		return math.Inf(1)
	}
	if o.inverse != nil {
		v, err := o.inverse.transformed(cand.inverse())
		if err != nil {
			return math.Inf(1)
		}
		total += v
	}
	if math.IsNaN(total) {
		return math.Inf(1)
	}
	return -total
}

// Rotate runs one rotation attempt: optimize R from the identity,
// accept only when the exact bound terms do not decrease, and roll the
// nodes back if any part of the transform fails to apply.
func (o *Optimizer) Rotate(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	for _, b := range o.blocks() {
		if err := b.setup(); err != nil {
			return Outcome{Reason: "setup failed"}, err
		}
	}

	var before float64
	for _, b := range o.blocks() {
		v, err := b.bound()
		if err != nil {
			return Outcome{Reason: "bound evaluation failed"}, err
		}
		before += v
	}

	x0 := make([]float64, o.d*o.d)
	for i := 0; i < o.d; i++ {
		x0[i*o.d+i] = 1
	}

	problem := optimize.Problem{
		Func: o.cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, o.cost, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{MajorIterations: o.cfg.MaxIterations}
	result, optErr := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})

	var iterations int
	var best []float64
	if result != nil {
		iterations = result.Stats.MajorIterations
		if len(result.X) == len(x0) && allFinite(result.X) && !math.IsInf(result.F, 0) {
			best = result.X
		}
	}
	if best == nil {
		out := Outcome{Iterations: iterations, Reason: "optimizer produced no usable transform"}
		return out, coreerrors.Rotation("rotate", "", "optimizer failed: %v", optErr)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Iterations: iterations}, err
	}

	after := -o.cost(best)
	improvement := after - before
	if !(improvement >= -o.cfg.Epsilon) {
		return Outcome{
			Improvement: improvement,
			Iterations:  iterations,
			Reason:      "bound would decrease",
		}, nil
	}

	cand, ok := newCandidate(mat.NewDense(o.d, o.d, best))
	if !ok {
		out := Outcome{Iterations: iterations, Reason: "optimum not invertible"}
		return out, coreerrors.Rotation("rotate", "", "optimum not invertible")
	}

	snaps, err := o.snapshotAll()
	if err != nil {
		return Outcome{Iterations: iterations, Reason: "snapshot failed"}, err
	}
	if err := o.applyAll(cand); err != nil {
		o.restoreAll(snaps)
		out := Outcome{Iterations: iterations, Reason: "transform failed to apply"}
		return out, coreerrors.Rotation("rotate", "", "apply failed: %v", err)
	}

	return Outcome{
		Accepted:    true,
		Improvement: improvement,
		Iterations:  iterations,
	}, nil
}

type snapshotRecord struct {
	node nodes.Snapshotter
	data []byte
}

func (o *Optimizer) snapshotAll() ([]snapshotRecord, error) {
	var out []snapshotRecord
	for _, b := range o.blocks() {
		for _, n := range b.members() {
			data, err := n.Snapshot()
			if err != nil {
				return nil, coreerrors.Rotation("rotate", n.Name(), "snapshot failed: %v", err)
			}
			out = append(out, snapshotRecord{node: n, data: data})
		}
	}
	return out, nil
}

func (o *Optimizer) applyAll(cand *candidate) error {
	if err := o.direct.apply(cand); err != nil {
		return err
	}
	if o.inverse != nil {
		if err := o.inverse.apply(cand.inverse()); err != nil {
			return err
		}
	}
	return nil
}

func (o *Optimizer) restoreAll(snaps []snapshotRecord) {
	for _, s := range snaps {
		// Restore from our own snapshots cannot fail shape checks.
		_ = s.node.Restore(s.data)
	}
}

func allFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
