package task

import (
	"encoding/json"
	"time"
)

// ApplyTransition validates the status edge and returns a copy of t with the
// transition applied: StartedAt on entering RUNNING, CompletedAt, Duration and
// result or error detail on entering a terminal state. Stores use this so the
// lifecycle bookkeeping cannot drift between implementations.
func ApplyTransition(t Task, status Status, result json.RawMessage, errDetail string, now time.Time) (Task, error) {
	if err := t.Status.ValidateTransition(status); err != nil {
		return Task{}, err
	}
	t.Status = status
	switch {
	case status == StatusRunning:
		t.StartedAt = now
	case status.IsTerminal():
		t.CompletedAt = now
		started := t.StartedAt
		if started.IsZero() {
			started = t.CreatedAt
		}
		t.Duration = now.Sub(started)
		t.Result = result
		t.Error = errDetail
	}
	return t, nil
}
