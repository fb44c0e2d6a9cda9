// Package engine runs mean-field coordinate ascent over a validated
// factor graph. Each sweep updates the nodes in the caller-given order,
// optionally attempts a rotation parameter expansion, recomputes the
// variational lower bound and notifies observers. Sweeps stop early on
// relative bound convergence or context cancellation.
package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	coreerrors "github.com/adalundhe/meanfield/core/errors"
	"github.com/adalundhe/meanfield/core/graph"
	"github.com/adalundhe/meanfield/core/nodes"
	"github.com/adalundhe/meanfield/core/rotate"
)

// Rotator attempts one rotation parameter expansion between sweeps.
// Implemented by rotate.Optimizer.
type Rotator interface {
	Rotate(ctx context.Context) (rotate.Outcome, error)
}

// Config tunes one engine.
type Config struct {
	// Tolerance is the relative convergence threshold: sweeping stops
	// when |ΔL| ≤ Tolerance·|L|.
	Tolerance float64

	// Logger receives per-sweep progress. Nil means slog.Default().
	Logger *slog.Logger

	// Rotator, when set, runs between sweeps.
	Rotator Rotator

	// RotateEvery is the sweep interval between rotation attempts.
	RotateEvery int

	// CheckBound enables the monotonicity watchdog: a bound decrease
	// beyond the numeric-noise allowance logs a warning.
	CheckBound bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Tolerance:   1e-5,
		RotateEvery: 1,
		CheckBound:  true,
	}
}

// Result reports one Update call.
type Result struct {
	// Sweeps is the number of sweeps completed in this call.
	Sweeps int

	// Bound is the lower bound after the last completed sweep.
	Bound float64

	// Deltas holds the per-sweep bound changes. The first sweep of the
	// engine's lifetime has delta zero.
	Deltas []float64

	// Converged is set when the last sweep met the tolerance.
	Converged bool

	// Rotations and RotationsRejected count the rotation attempts.
	Rotations         int
	RotationsRejected int
}

// Engine drives coordinate ascent over one model.
type Engine struct {
	g         *graph.Graph
	order     []nodes.Updatable
	cfg       Config
	observers []graph.Observer

	lastBound float64
	hasBound  bool
}

// New validates the graph and the update order. Construction fails when
// a likelihood in the order has no observations, or when a bilinear
// likelihood starts in the all-zero symmetric fixed point that the
// coordinate updates cannot leave.
func New(g *graph.Graph, order []nodes.Updatable, cfg Config) (*Engine, error) {
	if g == nil {
		return nil, coreerrors.Model("new_engine", "", "nil graph")
	}
	if len(order) == 0 {
		return nil, coreerrors.Model("new_engine", "", "empty update order")
	}

	def := DefaultConfig()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.RotateEvery < 1 {
		cfg.RotateEvery = def.RotateEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if !g.Validated() {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	for _, u := range order {
		lh, ok := u.(*nodes.Likelihood)
		if !ok {
			continue
		}
		if !lh.Observed() {
			return nil, coreerrors.Model("new_engine", lh.Name(),
				"likelihood has no observations; call Observe before building the engine")
		}
		if degenerate, coeffName, regName := lh.SymmetricallyDegenerate(); degenerate {
			return nil, coreerrors.Model("new_engine", lh.Name(),
				"coefficient %q and regressor %q both start with all-zero means; "+
					"the bilinear updates cannot break this symmetry, "+
					"call InitializeRandom on one of them", coeffName, regName)
		}
	}

	return &Engine{
		g:     g,
		order: append([]nodes.Updatable(nil), order...),
		cfg:   cfg,
	}, nil
}

// AddObserver registers a sweep observer.
func (e *Engine) AddObserver(o graph.Observer) {
	e.observers = append(e.observers, o)
}

// Bound returns the current lower bound: the sum of every node's terms
// in the update order.
func (e *Engine) Bound() (float64, error) {
	var total float64
	for _, u := range e.order {
		v, err := u.Bound()
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// Update runs up to the given number of sweeps. It returns early with
// the partial result when the bound converges, a node update fails, or
// the context is done. The convergence state carries across calls, so
// a resumed engine sees the delta against its previous bound.
func (e *Engine) Update(ctx context.Context, sweeps int) (Result, error) {
	var res Result
	for s := 0; s < sweeps; s++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()

		for _, u := range e.order {
			if err := u.Update(ctx); err != nil {
				return res, err
			}
		}

		if e.cfg.Rotator != nil && (s+1)%e.cfg.RotateEvery == 0 {
			out, err := e.cfg.Rotator.Rotate(ctx)
			switch {
			case err == nil && out.Accepted:
				res.Rotations++
			case err == nil:
				res.RotationsRejected++
			case coreerrors.Recoverable(err):
				res.RotationsRejected++
				e.cfg.Logger.Warn("rotation failed", "sweep", s+1, "error", err)
			default:
				return res, err
			}
		}

		bound, err := e.Bound()
		if err != nil {
			return res, err
		}

		var delta float64
		if e.hasBound {
			delta = bound - e.lastBound
		}
		converged := e.hasBound && math.Abs(delta) <= e.cfg.Tolerance*math.Abs(bound)
		if e.cfg.CheckBound && e.hasBound && delta < -10*e.cfg.Tolerance*math.Abs(bound) {
			e.cfg.Logger.Warn("bound decreased", "sweep", s+1, "bound", bound, "delta", delta)
		}
		e.lastBound = bound
		e.hasBound = true

		res.Sweeps = s + 1
		res.Bound = bound
		res.Deltas = append(res.Deltas, delta)
		res.Converged = converged

		info := graph.SweepInfo{
			Sweep:     res.Sweeps,
			Bound:     bound,
			Delta:     delta,
			Converged: converged,
			Duration:  time.Since(start),
		}
		for _, o := range e.observers {
			o.AfterSweep(info)
		}
		e.cfg.Logger.Info("sweep complete",
			"sweep", info.Sweep, "bound", info.Bound, "delta", info.Delta, "duration", info.Duration)

		if converged {
			break
		}
	}
	return res, nil
}
