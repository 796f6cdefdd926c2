// Package rlerrors implements the framework's error taxonomy: a single
// structured Error type carrying the affected ResourceKind and a retry hint,
// matchable with errors.Is/errors.As against the package-level Err* sentinels
// the way flat sentinel errors are.
package rlerrors

import (
	"errors"
	"fmt"

	"resourcelife/kind"
)

// TaxonomyKind enumerates the error classes every manager-facing operation
// reports.
type TaxonomyKind int

const (
	Configuration TaxonomyKind = iota
	CircularDependency
	Initialization
	Unavailable
	HealthCheck
	PoolExhausted
	Timeout
	InvalidStateTransition
	DependencyFailure
	Cleanup
	Internal
)

func (k TaxonomyKind) String() string {
	switch k {
	case Configuration:
		return "Configuration"
	case CircularDependency:
		return "CircularDependency"
	case Initialization:
		return "Initialization"
	case Unavailable:
		return "Unavailable"
	case HealthCheck:
		return "HealthCheck"
	case PoolExhausted:
		return "PoolExhausted"
	case Timeout:
		return "Timeout"
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case DependencyFailure:
		return "DependencyFailure"
	case Cleanup:
		return "Cleanup"
	default:
		return "Internal"
	}
}

// Error is the structured error every manager-facing operation returns. It
// carries at minimum the affected kind and a human message, and never embeds
// credential material.
type Error struct {
	TaxKind   TaxonomyKind
	Kind      kind.ResourceKind
	Message   string
	Retryable bool
	Cause     error

	// Extra carries kind-specific structured fields: {current,max,waiters}
	// for PoolExhausted, {cycle} for CircularDependency, {from,to} for
	// InvalidStateTransition, {op,duration_ms} for Timeout, {attempt} for
	// HealthCheck, {dep} for DependencyFailure.
	Extra map[string]any
}

func (e *Error) Error() string {
	if e.Kind.Name != "" {
		return fmt.Sprintf("resourcelife: %s: %s: %s", e.TaxKind, e.Kind, e.Message)
	}
	return fmt.Sprintf("resourcelife: %s: %s", e.TaxKind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on TaxonomyKind alone: errors.Is(err, ErrPoolExhausted) is true
// for any PoolExhausted error regardless of kind/message.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.TaxKind == other.TaxKind
}

// New constructs an Error of the given taxonomy kind.
func New(tk TaxonomyKind, k kind.ResourceKind, message string) *Error {
	return &Error{TaxKind: tk, Kind: k, Message: message, Retryable: defaultRetryable(tk)}
}

// Wrap constructs an Error of the given taxonomy kind, wrapping cause.
func Wrap(tk TaxonomyKind, k kind.ResourceKind, message string, cause error) *Error {
	e := New(tk, k, message)
	e.Cause = cause
	return e
}

func defaultRetryable(tk TaxonomyKind) bool {
	switch tk {
	case HealthCheck, PoolExhausted, Timeout:
		return true
	case Initialization, Unavailable, DependencyFailure:
		return false // flag/policy-governed; caller overrides via Retryable
	default:
		return false
	}
}

// Sentinels for errors.Is-style matching against a bare taxonomy kind.
var (
	ErrConfiguration          = &Error{TaxKind: Configuration}
	ErrCircularDependency     = &Error{TaxKind: CircularDependency}
	ErrInitialization         = &Error{TaxKind: Initialization}
	ErrUnavailable            = &Error{TaxKind: Unavailable}
	ErrHealthCheck            = &Error{TaxKind: HealthCheck}
	ErrPoolExhausted          = &Error{TaxKind: PoolExhausted}
	ErrTimeout                = &Error{TaxKind: Timeout}
	ErrInvalidStateTransition = &Error{TaxKind: InvalidStateTransition}
	ErrDependencyFailure      = &Error{TaxKind: DependencyFailure}
	ErrCleanup                = &Error{TaxKind: Cleanup}
	ErrInternal               = &Error{TaxKind: Internal}
)

// As is a convenience wrapper matching errors.As(err, &*Error).
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
