// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the input failed structural validation.
var ErrValidation = errors.New("validation failed")

// Orchestration error taxonomy. Stage failures wrap one of these so callers can
// classify with errors.Is regardless of the adapter that produced them.
var (
	// ErrDecompositionFailure is fatal to the task.
	ErrDecompositionFailure = errors.New("decomposition failure")

	// ErrRoutingUnavailable means no healthy candidate service remains for a subtask.
	ErrRoutingUnavailable = errors.New("routing unavailable: no healthy candidate service")

	// ErrServiceTimeout is a per-call timeout against a reasoning service.
	ErrServiceTimeout = errors.New("reasoning service timeout")

	// ErrServiceFailure is a transport error or a failure reported by the service.
	ErrServiceFailure = errors.New("reasoning service failure")

	// ErrSynthesisFailure means no usable subtask result was available.
	ErrSynthesisFailure = errors.New("synthesis failure")

	// ErrInvalidTransition is returned for a backward or skipping status change.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrCancelled is returned when a task was cancelled before completion.
	ErrCancelled = errors.New("task cancelled")
)
