// Package errors provides structured error handling for relay.
//
// Errors that surface synchronously to a caller are returned as *RelayError.
// Conditions that must never abort the enclosing operation (a bundle key that
// failed to serialize, a result produced for an origin that no longer exists)
// are reported as *Diagnostic values to the global ErrorHandler instead.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorKind identifies the category of an error.
type ErrorKind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown ErrorKind = iota
	// KindValidation indicates a malformed descriptor or manifest entry.
	KindValidation
	// KindNoCandidate indicates implicit resolution produced no match.
	KindNoCandidate
	// KindCaptureWarning indicates a single bundle key failed to capture or restore.
	KindCaptureWarning
	// KindMissedDelivery indicates a result was produced for an origin that is gone.
	KindMissedDelivery
	// KindDuplicateTag indicates a tag is already bound to an incompatible type.
	KindDuplicateTag
	// KindLifecycle indicates an illegal lifecycle transition.
	KindLifecycle
	// KindPersistence indicates a durable sink failure.
	KindPersistence
	// KindConfig indicates a configuration or manifest loading failure.
	KindConfig
	// KindPanic indicates a recovered panic.
	KindPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNoCandidate:
		return "no-candidate"
	case KindCaptureWarning:
		return "capture-warning"
	case KindMissedDelivery:
		return "missed-delivery"
	case KindDuplicateTag:
		return "duplicate-tag"
	case KindLifecycle:
		return "lifecycle"
	case KindPersistence:
		return "persistence"
	case KindConfig:
		return "config"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// RelayError is an error returned synchronously to a caller.
type RelayError struct {
	// Op is the operation that failed (e.g., "routing.Resolve").
	Op string
	// Kind categorizes the error.
	Kind ErrorKind
	// Err is the underlying error.
	Err error
	// Component names the component type or tag involved, if any.
	Component string
}

func (e *RelayError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s [%s] component=%s: %v", e.Op, e.Kind, e.Component, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// New builds a RelayError.
func New(op string, kind ErrorKind, component string, err error) *RelayError {
	return &RelayError{Op: op, Kind: kind, Component: component, Err: err}
}

// Newf builds a RelayError with a formatted cause.
func Newf(op string, kind ErrorKind, component string, format string, args ...any) *RelayError {
	return &RelayError{Op: op, Kind: kind, Component: component, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first RelayError in err's chain.
func KindOf(err error) ErrorKind {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries a RelayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Diagnostic is a non-fatal condition. Diagnostics are reported to the
// global handler and never returned from the operation that produced them.
type Diagnostic struct {
	// Op is the operation that observed the condition.
	Op string
	// Kind is KindCaptureWarning or KindMissedDelivery in practice.
	Kind ErrorKind
	// InstanceID identifies the component instance, if any.
	InstanceID string
	// Key is the bundle key involved, if any.
	Key string
	// Err describes the condition.
	Err error
	// Timestamp is when the condition was observed.
	Timestamp time.Time
}

func (d *Diagnostic) Error() string {
	msg := fmt.Sprintf("%s [%s]", d.Op, d.Kind)
	if d.InstanceID != "" {
		msg += " instance=" + d.InstanceID
	}
	if d.Key != "" {
		msg += " key=" + d.Key
	}
	if d.Err != nil {
		msg += ": " + d.Err.Error()
	}
	return msg
}

func (d *Diagnostic) Unwrap() error {
	return d.Err
}

// PanicError represents a panic recovered from a component hook.
type PanicError struct {
	// Op is the operation that panicked (e.g., "core.Controller.Suspend").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// ErrorHandler receives errors and diagnostics reported by relay.
type ErrorHandler interface {
	// HandleError is called for errors that are also returned to a caller.
	HandleError(err *RelayError)
	// HandleDiagnostic is called for non-fatal conditions.
	HandleDiagnostic(d *Diagnostic)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
}
