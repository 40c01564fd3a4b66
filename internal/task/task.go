// Package task defines the orchestration task entity, its status state
// machine and the Store contract. The store is the single source of truth for
// task status; no other component infers status on its own.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the one main task of a request from the per-service
// subtasks fanned out under it.
type Kind string

const (
	KindMain    Kind = "MAIN"
	KindSubtask Kind = "SUBTASK"
)

// Task is one unit of orchestration work. A MAIN task carries the full
// requested tool list; each SUBTASK carries exactly the share owned by its
// service, and the union of subtask tool lists equals the main list.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Kind           Kind            `json:"kind"`
	Target         string          `json:"target"`
	RequestedTools []string        `json:"requested_tools"`
	ServiceName    string          `json:"service_name,omitempty"` // SUBTASK only
	ParentID       uuid.UUID       `json:"parent_id,omitempty"`    // SUBTASK only
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
	Duration       time.Duration   `json:"duration,omitempty"` // set at terminal transition
	Result         json.RawMessage `json:"result,omitempty"`   // terminal and (partially) successful only
	Error          string          `json:"error,omitempty"`    // terminal and failed only
}

// NewMain creates a pending MAIN task. Tools must already be de-duplicated
// by the dispatcher.
func NewMain(target string, tools []string) Task {
	return Task{
		ID:             uuid.New(),
		Kind:           KindMain,
		Target:         target,
		RequestedTools: append([]string(nil), tools...),
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewSubtask creates a pending SUBTASK under parent for one service's share
// of the request.
func NewSubtask(parent Task, service string, tools []string) Task {
	return Task{
		ID:             uuid.New(),
		Kind:           KindSubtask,
		Target:         parent.Target,
		RequestedTools: append([]string(nil), tools...),
		ServiceName:    service,
		ParentID:       parent.ID,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// Terminal reports whether the task reached a terminal status.
func (t Task) Terminal() bool { return t.Status.IsTerminal() }

// Store persists tasks and arbitrates every status change. Transition is an
// atomic compare-and-set against the current row status, so two writers
// racing to finalize the same task can never both win.
type Store interface {
	// Create persists a new PENDING task row.
	Create(ctx context.Context, t Task) error

	// Get returns the task by id, or model.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Task, error)

	// ListSubtasks returns all subtasks of a main task, oldest first.
	ListSubtasks(ctx context.Context, parentID uuid.UUID) ([]Task, error)

	// ListMains returns all main tasks, newest first.
	ListMains(ctx context.Context) ([]Task, error)

	// Transition moves a task to status, recording result or error detail on
	// terminal transitions. It returns model.ErrInvalidTransition when the
	// task is already terminal or the edge is not legal, and the updated task
	// on success.
	Transition(ctx context.Context, id uuid.UUID, status Status, result json.RawMessage, errDetail string) (Task, error)

	// Close releases underlying resources.
	Close() error
}
