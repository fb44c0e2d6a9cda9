// Package errors implements the inference error taxonomy with classification
// and recovery behavior.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies inference failures. Each kind has defined behavior for
// whether the current operation aborts and whether a retry path exists.
type Kind int

const (
	// KindShape indicates a dimension or plate disagreement between nodes.
	// Examples: design matrix columns vs coefficient length, data rows vs
	// coefficient plates. Raised at construction or observe time.
	KindShape Kind = iota

	// KindModel indicates an invalid model structure.
	// Examples: cyclic graph, unobserved likelihood, symmetric zero
	// initialization that coordinate ascent cannot escape.
	KindModel

	// KindNonConjugate indicates a parent/child pairing outside the
	// conjugate exponential families the update rules cover.
	KindNonConjugate

	// KindNumerical indicates a numerical failure that survived the jitter
	// retry path. Examples: indefinite posterior covariance, non-positive
	// Gamma parameters.
	KindNumerical

	// KindRotation indicates a rejected or failed rotation proposal. The
	// sweep continues with the previous posteriors.
	KindRotation
)

var kindNames = map[Kind]string{
	KindShape:        "shape",
	KindModel:        "model",
	KindNonConjugate: "non_conjugate",
	KindNumerical:    "numerical",
	KindRotation:     "rotation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Behavior defines the handling policy for an error kind.
type Behavior struct {
	// Fatal indicates the current operation must abort.
	Fatal bool

	// Retryable indicates a jitter or re-proposal path exists before the
	// error is surfaced.
	Retryable bool
}

// Behaviors returns the policy for each kind. Shape, model and conjugacy
// errors abort immediately. Numerical errors are retried with jitter inside
// the linear algebra layer and are fatal once surfaced. Rotation errors are
// never fatal: the proposal is discarded and the sweep continues.
func Behaviors() map[Kind]Behavior {
	return map[Kind]Behavior{
		KindShape:        {Fatal: true, Retryable: false},
		KindModel:        {Fatal: true, Retryable: false},
		KindNonConjugate: {Fatal: true, Retryable: false},
		KindNumerical:    {Fatal: true, Retryable: true},
		KindRotation:     {Fatal: false, Retryable: true},
	}
}

// InferenceError wraps a failure with its kind, the operation that raised it
// and the node it concerns.
type InferenceError struct {
	Kind       Kind
	Op         string
	Node       string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Node != "" {
		s += fmt.Sprintf(" node %q", e.Node)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Underlying != nil {
		s += fmt.Sprintf(": %v", e.Underlying)
	}
	return s
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InferenceError) Unwrap() error {
	return e.Underlying
}

// Is matches against another InferenceError by kind.
func (e *InferenceError) Is(target error) bool {
	var ie *InferenceError
	if errors.As(target, &ie) {
		return e.Kind == ie.Kind
	}
	return false
}

// New creates an InferenceError with the given kind, operation and node.
func New(kind Kind, op, node, format string, args ...any) *InferenceError {
	return &InferenceError{
		Kind:    kind,
		Op:      op,
		Node:    node,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an InferenceError around an underlying error.
func Wrap(kind Kind, op, node string, underlying error) *InferenceError {
	return &InferenceError{
		Kind:       kind,
		Op:         op,
		Node:       node,
		Underlying: underlying,
	}
}

// Shape reports a dimension or plate disagreement.
func Shape(op, node, format string, args ...any) *InferenceError {
	return New(KindShape, op, node, format, args...)
}

// Model reports an invalid model structure.
func Model(op, node, format string, args ...any) *InferenceError {
	return New(KindModel, op, node, format, args...)
}

// NonConjugate reports a parent/child pairing outside the supported families.
func NonConjugate(op, node, format string, args ...any) *InferenceError {
	return New(KindNonConjugate, op, node, format, args...)
}

// Numerical reports a numerical failure after retries were exhausted.
func Numerical(op, node, format string, args ...any) *InferenceError {
	return New(KindNumerical, op, node, format, args...)
}

// Rotation reports a rejected or failed rotation proposal.
func Rotation(op, node, format string, args ...any) *InferenceError {
	return New(KindRotation, op, node, format, args...)
}

// GetKind extracts the Kind from an error chain, defaulting to KindModel.
func GetKind(err error) Kind {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindModel
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Kind == kind
	}
	return false
}

// IsShape reports whether the error chain carries a shape error.
func IsShape(err error) bool { return IsKind(err, KindShape) }

// IsModel reports whether the error chain carries a model-structure error.
func IsModel(err error) bool { return IsKind(err, KindModel) }

// IsNonConjugate reports whether the error chain carries a conjugacy error.
func IsNonConjugate(err error) bool { return IsKind(err, KindNonConjugate) }

// IsNumerical reports whether the error chain carries a numerical error.
func IsNumerical(err error) bool { return IsKind(err, KindNumerical) }

// IsRotation reports whether the error chain carries a rotation error.
func IsRotation(err error) bool { return IsKind(err, KindRotation) }

// Recoverable reports whether the caller may continue after the error.
// Only rotation failures are recoverable.
func Recoverable(err error) bool {
	return !Behaviors()[GetKind(err)].Fatal
}
