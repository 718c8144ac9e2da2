// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors.
var (
	// ErrFlowTerminated is returned when operations are attempted on a
	// [ControlFlow] whose scheduler has fully shut down.
	ErrFlowTerminated = errors.New("controlflow: flow has been terminated")

	// ErrTimerNotFound is returned when cancelling a timer that does not
	// exist or has already fired.
	ErrTimerNotFound = errors.New("controlflow: timer not found")
)

// CancellationError is the base error kind for any cancelled computation.
//
// It carries an optional human-readable reason and a silent marker used to
// suppress redundant reporting for internally generated cancellations
// (flow resets and task discards). Silent cancellations never register as
// unhandled rejections.
type CancellationError struct {
	// Cause is the underlying error that led to the cancellation, if any.
	Cause error
	// Message is an optional human-readable reason.
	Message string
	// Silent suppresses unhandled-rejection tracking and uncaught-exception
	// reporting for this cancellation.
	Silent bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Message == "" {
		return "operation cancelled"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// NewCancellationError creates a cancellation error with the given reason.
func NewCancellationError(message string) *CancellationError {
	return &CancellationError{Message: message}
}

// NewFlowResetError creates the silent cancellation used when an entire
// [ControlFlow] is reset. Tasks rejected with it are not reported as
// unhandled rejections.
func NewFlowResetError() *CancellationError {
	return &CancellationError{Message: "control flow was reset", Silent: true}
}

// asCancellation coerces an arbitrary cancellation reason into a
// *CancellationError, passing existing cancellations through unchanged.
func asCancellation(reason error) *CancellationError {
	if reason == nil {
		return &CancellationError{Message: "operation cancelled"}
	}
	var c *CancellationError
	if errors.As(reason, &c) {
		return c
	}
	var d *DiscardedTaskError
	if errors.As(reason, &d) {
		return &CancellationError{Cause: d, Message: d.Error(), Silent: true}
	}
	return &CancellationError{Cause: reason, Message: reason.Error()}
}

// isCancellation reports whether err is any kind of cancellation
// (including discarded-task and flow-reset errors).
func isCancellation(err error) bool {
	var c *CancellationError
	if errors.As(err, &c) {
		return true
	}
	var d *DiscardedTaskError
	return errors.As(err, &d)
}

// isSilentCancellation reports whether err is a cancellation flagged to be
// suppressed from reporting.
func isSilentCancellation(err error) bool {
	var c *CancellationError
	if errors.As(err, &c) && c.Silent {
		return true
	}
	var d *DiscardedTaskError
	return errors.As(err, &d)
}

// DiscardedTaskError is the silent cancellation applied to tasks dropped
// because a sibling task in the same frame already failed. It wraps the
// original cause.
//
// Wrapping is idempotent: see [DiscardTask].
type DiscardedTaskError struct {
	// Cause is the failure that aborted the frame.
	Cause error
}

// Error implements the error interface.
func (e *DiscardedTaskError) Error() string {
	return fmt.Sprintf("task was discarded due to a previous failure: %v", e.Cause)
}

// Unwrap returns the original failure for use with [errors.Is] and
// [errors.As].
func (e *DiscardedTaskError) Unwrap() error {
	return e.Cause
}

// DiscardTask wraps cause in a [DiscardedTaskError]. Wrapping an error that
// is already a discard returns it unchanged, so repeated aborts of nested
// frames do not stack wrappers.
func DiscardTask(cause error) *DiscardedTaskError {
	var d *DiscardedTaskError
	if errors.As(cause, &d) {
		return d
	}
	return &DiscardedTaskError{Cause: cause}
}

// MultipleUnhandledRejectionsError aggregates the distinct rejection causes
// recorded against one queue in a single scheduling turn, when more than one
// unhandled rejection is detected simultaneously.
type MultipleUnhandledRejectionsError struct {
	// Errors contains all distinct rejection causes, in detection order.
	Errors []error
}

// Error implements the error interface.
func (e *MultipleUnhandledRejectionsError) Error() string {
	return fmt.Sprintf("multiple unhandled promise rejections observed (%d)", len(e.Errors))
}

// Unwrap returns the errors slice for multi-error unwrapping (Go 1.20+).
// This enables [errors.Is] and [errors.As] to check against all contained
// errors.
func (e *MultipleUnhandledRejectionsError) Unwrap() []error {
	return e.Errors
}

// Is implements custom error matching: any MultipleUnhandledRejectionsError
// matches another, regardless of contents.
func (e *MultipleUnhandledRejectionsError) Is(target error) bool {
	var t *MultipleUnhandledRejectionsError
	return errors.As(target, &t)
}

// TimeoutError is raised by [ControlFlow.Wait] and
// [ControlFlow.WaitFor] when the deadline elapses before the condition
// becomes truthy or the awaited value settles.
type TimeoutError struct {
	// Message is the caller-supplied description of what was being awaited.
	Message string
	// Elapsed is the time spent waiting before giving up.
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("timed out after %s", e.Elapsed)
	}
	return fmt.Sprintf("%s\nwaited %s", e.Message, e.Elapsed)
}

// TypeError represents an invalid promise resolution, such as resolving a
// promise with itself.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and
// [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a recovered panic value from a task function or
// callback, so it can propagate through promise rejection like any other
// failure.
type PanicError struct {
	// Value is the recovered panic value.
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
