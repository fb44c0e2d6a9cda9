package graph

import "time"

// SweepInfo describes one completed coordinate-ascent sweep.
type SweepInfo struct {
	// Sweep is the 1-based sweep number within the current Update call.
	Sweep int

	// Bound is the variational lower bound after the sweep.
	Bound float64

	// Delta is the bound change relative to the previous sweep. Zero on
	// the first sweep.
	Delta float64

	// Converged is set on the sweep that met the tolerance.
	Converged bool

	// Duration is the wall time of the sweep.
	Duration time.Duration
}

// Observer receives sweep notifications from the engine. Implementations
// must not mutate the model.
type Observer interface {
	AfterSweep(info SweepInfo)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(info SweepInfo)

// AfterSweep implements Observer.
func (f ObserverFunc) AfterSweep(info SweepInfo) { f(info) }
