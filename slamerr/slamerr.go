// Package slamerr names the outcome tags the SLAM core reports alongside (or instead of) a plain
// error: not exception types, but a small closed vocabulary Tracking and Local Mapping use to
// classify why an operation did not produce a result, so callers (and logs) can distinguish
// "try again next frame" from "the map is corrupt" without string-matching error messages.
package slamerr

import "github.com/pkg/errors"

// Kind classifies why a SLAM core operation failed or was skipped.
type Kind string

const (
	// InitializationFailed means the map initializer rejected the current frame pair; the
	// caller should retry with the next frame rather than treat this as fatal.
	InitializationFailed Kind = "initialization_failed"
	// TrackingFailed means tracking could not gather enough inlier correspondences at some
	// stage; the caller transitions toward LOST rather than treating this as fatal.
	TrackingFailed Kind = "tracking_failed"
	// RelocalizationFailed means relocalization against the keyframe database found no
	// sufficient candidate; the caller remains LOST.
	RelocalizationFailed Kind = "relocalization_failed"
	// Degenerate means a per-match computation hit a degenerate case (zero baseline, zero
	// denominator); the caller silently skips that match rather than treating this as fatal.
	Degenerate Kind = "degenerate"
	// InvariantViolation means a map-graph invariant (bidirectional observation, lock order)
	// was violated; fatal (a panic) while debug mode is on, otherwise tolerated by bad-flag checks.
	InvariantViolation Kind = "invariant_violation"
	// Configuration means a configuration document was malformed or internally inconsistent.
	Configuration Kind = "configuration"
)

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind  Kind
	cause error
}

// New wraps cause with kind, recording msg as additional context.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap pairs kind with an existing cause, recording msg as additional context.
func Wrap(cause error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.cause.Error()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether err is a slamerr.Error of kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

// debugMode gates whether InvariantViolation is treated as fatal (panics) or tolerated (returned
// as an error and left to the caller's bad-flag checks), mirroring logging's GlobalLogLevel/debug-mode
// pattern so it can be toggled from tests rather than a build tag.
var debugMode = false

// SetDebugMode toggles whether CheckInvariant panics on violation.
func SetDebugMode(enabled bool) {
	debugMode = enabled
}

// DebugMode reports the current invariant-checking mode.
func DebugMode() bool {
	return debugMode
}

// CheckInvariant reports an InvariantViolation-kind error for msg; in debug mode it also panics,
// so invariant violations surface immediately in tests rather than being silently absorbed by a
// caller's bad-flag check.
func CheckInvariant(ok bool, msg string) error {
	if ok {
		return nil
	}
	err := New(InvariantViolation, msg)
	if debugMode {
		panic(err)
	}
	return err
}
