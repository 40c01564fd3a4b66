package task_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

func TestApplyTransition(t *testing.T) {
	t.Parallel()

	base := task.NewMain("target", []string{"sast"})
	now := base.CreatedAt.Add(time.Second)

	t.Run("running stamps started at", func(t *testing.T) {
		t.Parallel()
		got, err := task.ApplyTransition(base, task.StatusRunning, nil, "", now)
		require.NoError(t, err)
		require.Equal(t, task.StatusRunning, got.Status)
		require.Equal(t, now, got.StartedAt)
		require.True(t, got.CompletedAt.IsZero())
	})

	t.Run("completed stamps duration and result", func(t *testing.T) {
		t.Parallel()
		running, err := task.ApplyTransition(base, task.StatusRunning, nil, "", now)
		require.NoError(t, err)

		end := now.Add(3 * time.Second)
		result := json.RawMessage(`{"overall_status":"COMPLETED"}`)
		got, err := task.ApplyTransition(running, task.StatusCompleted, result, "", end)
		require.NoError(t, err)
		require.Equal(t, end, got.CompletedAt)
		require.Equal(t, 3*time.Second, got.Duration)
		require.Equal(t, result, got.Result)
		require.Empty(t, got.Error)
	})

	t.Run("failure before running measures from creation", func(t *testing.T) {
		t.Parallel()
		got, err := task.ApplyTransition(base, task.StatusFailed, nil, "boom", now)
		require.NoError(t, err)
		require.Equal(t, now.Sub(base.CreatedAt), got.Duration)
		require.Equal(t, "boom", got.Error)
	})

	t.Run("terminal rejects further edges", func(t *testing.T) {
		t.Parallel()
		done, err := task.ApplyTransition(base, task.StatusCancelled, nil, "", now)
		require.NoError(t, err)
		_, err = task.ApplyTransition(done, task.StatusRunning, nil, "", now)
		require.ErrorIs(t, err, model.ErrInvalidTransition)
	})
}
