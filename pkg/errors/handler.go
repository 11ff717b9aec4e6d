package errors

import (
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

type handlerSlot struct{ h ErrorHandler }

var current atomic.Pointer[handlerSlot]

func init() {
	current.Store(&handlerSlot{h: &LogHandler{}})
}

// SetHandler installs the process-wide error handler. nil restores a
// LogHandler on the package logger.
func SetHandler(h ErrorHandler) {
	if h == nil {
		h = &LogHandler{}
	}
	current.Store(&handlerSlot{h: h})
}

// Handler returns the installed error handler.
func Handler() ErrorHandler {
	return current.Load().h
}

// Report hands err to the installed handler and returns it, so call sites can
// write `return errors.Report(...)`.
func Report(err *RelayError) *RelayError {
	if err != nil {
		Handler().HandleError(err)
	}
	return err
}

// Diagnose reports a non-fatal condition. A zero Timestamp is stamped with
// the current time.
func Diagnose(d *Diagnostic) {
	if d == nil {
		return
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	Handler().HandleDiagnostic(d)
}

// Recover reports a panic in progress. Use it deferred:
//
//	defer errors.Recover("results.handoff")
func Recover(op string) {
	if r := recover(); r != nil {
		Handler().HandlePanic(newPanic(op, r))
	}
}

// Guard runs fn, typically a component hook. A panic is reported and
// returned as a KindPanic *RelayError wrapping the *PanicError, so the owning
// looper keeps running and other instances are untouched.
func Guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p := newPanic(op, r)
			Handler().HandlePanic(p)
			err = &RelayError{Op: op, Kind: KindPanic, Err: p}
		}
	}()
	fn()
	return nil
}

func newPanic(op string, value any) *PanicError {
	return &PanicError{Op: op, Value: value, StackTrace: CaptureStack(), Timestamp: time.Now()}
}

// CaptureStack formats the caller's stack, one "function\n\tfile:line" pair
// per frame, at most 32 frames.
func CaptureStack() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return ""
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for more := true; more; {
		var frame runtime.Frame
		frame, more = frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
	}
	return sb.String()
}
