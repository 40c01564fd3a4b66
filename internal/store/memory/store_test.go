package memory_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/store/memory"
	"github.com/probeworks/gauntlet/internal/task"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	main := task.NewMain("repo", []string{"sast", "secrets"})
	require.NoError(t, s.Create(ctx, main))

	got, err := s.Get(ctx, main.ID)
	require.NoError(t, err)
	require.Equal(t, main.ID, got.ID)
	require.Equal(t, task.StatusPending, got.Status)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, model.ErrNotFound)

	running, err := s.Transition(ctx, main.ID, task.StatusRunning, nil, "")
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, running.Status)
	require.False(t, running.StartedAt.IsZero())

	done, err := s.Transition(ctx, main.ID, task.StatusCompleted, []byte(`{"ok":true}`), "")
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, done.Status)
	require.JSONEq(t, `{"ok":true}`, string(done.Result))

	// Terminal status absorbs nothing.
	_, err = s.Transition(ctx, main.ID, task.StatusCancelled, nil, "")
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestStoreListSubtasks(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	main := task.NewMain("repo", []string{"sast", "dast", "secrets"})
	require.NoError(t, s.Create(ctx, main))

	for _, svc := range []string{"scanner", "prober", "hunter"} {
		require.NoError(t, s.Create(ctx, task.NewSubtask(main, svc, []string{svc + "-tool"})))
	}

	subs, err := s.ListSubtasks(ctx, main.ID)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for _, sub := range subs {
		require.Equal(t, main.ID, sub.ParentID)
		require.Equal(t, task.KindSubtask, sub.Kind)
	}

	other, err := s.ListSubtasks(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestStoreListMains(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	first := task.NewMain("repo-a", []string{"sast"})
	require.NoError(t, s.Create(ctx, first))
	second := task.NewMain("repo-b", []string{"dast"})
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.Create(ctx, task.NewSubtask(first, "scanner", []string{"sast"})))

	mains, err := s.ListMains(ctx)
	require.NoError(t, err)
	require.Len(t, mains, 2)
	require.Equal(t, second.ID, mains[0].ID)
	require.Equal(t, first.ID, mains[1].ID)
}

func TestStoreTransitionUnknownTask(t *testing.T) {
	t.Parallel()

	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })

	_, err := s.Transition(t.Context(), uuid.New(), task.StatusRunning, nil, "")
	require.ErrorIs(t, err, model.ErrNotFound)
}
