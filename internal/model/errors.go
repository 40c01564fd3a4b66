package model

import (
	"errors"
)

var (
	// ErrUnknownTool rejects a dispatch request naming a tool no service owns.
	// Surfaced synchronously, before any task row is created.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidTransition guards the task state machine against illegal
	// status changes, including any write to an already terminal task.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTimeout marks a unit of work that exceeded its hard deadline.
	ErrTimeout = errors.New("unit exceeded deadline")

	// ErrNoTerminalResponse marks a service that never emitted its terminal
	// protocol message before the stream ended or the deadline fired.
	ErrNoTerminalResponse = errors.New("no terminal response from service")

	// ErrInternal marks an uncaught fault (panic) inside a unit of work.
	ErrInternal = errors.New("internal unit fault")

	// ErrAllServicesFailed is the aggregate outcome when zero subtasks of a
	// main task completed successfully.
	ErrAllServicesFailed = errors.New("all services failed")

	// ErrCancelled marks work abandoned because its main task was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned by stores for unknown task ids.
	ErrNotFound = errors.New("not found")

	// ErrEmptyRequest rejects a dispatch request with no tools.
	ErrEmptyRequest = errors.New("no tools requested")
)

// FailureKind labels a degraded service in the aggregated result. Every
// subtask error maps to exactly one kind; the original detail travels
// alongside it for diagnostics.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureNoTerminal FailureKind = "no_terminal_response"
	FailureInternal   FailureKind = "internal_error"
	FailureCancelled  FailureKind = "cancelled"
	FailureError      FailureKind = "service_error"
)

// FailureKindOf classifies a subtask error into its FailureKind.
func FailureKindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, ErrNoTerminalResponse):
		return FailureNoTerminal
	case errors.Is(err, ErrInternal):
		return FailureInternal
	case errors.Is(err, ErrCancelled):
		return FailureCancelled
	default:
		return FailureError
	}
}
