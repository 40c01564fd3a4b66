package task

import (
	"fmt"

	"github.com/probeworks/gauntlet/internal/model"
)

// Status is the execution state of a task. RUNNING is entered at most once
// and the three terminal states absorb no further transitions.
type Status string

const (
	// StatusPending indicates a task is created but not yet submitted.
	StatusPending Status = "PENDING"

	// StatusRunning indicates a task has been handed to the executor.
	StatusRunning Status = "RUNNING"

	// StatusCompleted indicates a task finished with a usable result.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates a task terminated with an error.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates a task was cancelled by an external caller.
	StatusCancelled Status = "CANCELLED"

	// StatusUnspecified is used when a status string is unknown.
	StatusUnspecified Status = "UNSPECIFIED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status will never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s)
	default:
		return StatusUnspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error wrapping model.ErrInvalidTransition if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", model.ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle rules.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusPending:
		// A pending task can start, or terminate without ever running
		// (cancelled before pickup, or failed at submission).
		return target == StatusRunning || target == StatusFailed || target == StatusCancelled
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
