package server

import (
	"encoding/json"
	"time"

	"github.com/probeworks/gauntlet/internal/engine"
	"github.com/probeworks/gauntlet/internal/task"
)

// AnalysisRequest is the body of POST /analyses.
type AnalysisRequest struct {
	Target string   `json:"target" minLength:"1" doc:"Subject under analysis, e.g. a repository path or image reference"`
	Tools  []string `json:"tools" minItems:"1" doc:"Tool names to run; duplicates are collapsed"`
}

// AnalysisAccepted acknowledges a dispatched analysis.
type AnalysisAccepted struct {
	MainTaskID string `json:"main_task_id" format:"uuid"`
}

// TaskResponse is the external shape of a task with its subtasks.
type TaskResponse struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	Target           string            `json:"target"`
	RequestedTools   []string          `json:"requested_tools"`
	ServiceName      string            `json:"service_name,omitempty"`
	ParentID         string            `json:"parent_id,omitempty"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds  float64           `json:"duration_seconds,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ProgressFraction float64           `json:"progress_fraction"`
	Subtasks         []SubtaskResponse `json:"subtasks,omitempty"`
}

// SubtaskResponse is the external shape of one per-service subtask.
type SubtaskResponse struct {
	ID              string     `json:"id"`
	ServiceName     string     `json:"service_name"`
	RequestedTools  []string   `json:"requested_tools"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// TaskSummary is the list-view shape of a main task, without subtasks or the
// full result document.
type TaskSummary struct {
	ID              string     `json:"id"`
	Target          string     `json:"target"`
	RequestedTools  []string   `json:"requested_tools"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func taskResponse(v engine.View) TaskResponse {
	t := v.Task
	resp := TaskResponse{
		ID:               t.ID.String(),
		Kind:             string(t.Kind),
		Target:           t.Target,
		RequestedTools:   t.RequestedTools,
		Status:           string(t.Status),
		CreatedAt:        t.CreatedAt,
		StartedAt:        timePtr(t.StartedAt),
		CompletedAt:      timePtr(t.CompletedAt),
		DurationSeconds:  t.Duration.Seconds(),
		Result:           t.Result,
		Error:            t.Error,
		ProgressFraction: v.Progress,
	}
	if t.ServiceName != "" {
		resp.ServiceName = t.ServiceName
	}
	for _, st := range v.Subtasks {
		resp.Subtasks = append(resp.Subtasks, subtaskResponse(st))
	}
	return resp
}

func subtaskResponse(t task.Task) SubtaskResponse {
	return SubtaskResponse{
		ID:              t.ID.String(),
		ServiceName:     t.ServiceName,
		RequestedTools:  t.RequestedTools,
		Status:          string(t.Status),
		StartedAt:       timePtr(t.StartedAt),
		CompletedAt:     timePtr(t.CompletedAt),
		DurationSeconds: t.Duration.Seconds(),
		Error:           t.Error,
	}
}

func taskSummary(t task.Task) TaskSummary {
	return TaskSummary{
		ID:              t.ID.String(),
		Target:          t.Target,
		RequestedTools:  t.RequestedTools,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		CompletedAt:     timePtr(t.CompletedAt),
		DurationSeconds: t.Duration.Seconds(),
		Error:           t.Error,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
