// Package memory implements the task store as an in-process map. It backs
// unit tests and ephemeral one-shot runs; durable deployments use the sqlite
// store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/task"
)

type Store struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]task.Task
}

var _ task.Store = (*Store)(nil)

func New() *Store {
	return &Store{tasks: make(map[uuid.UUID]task.Task)}
}

func (s *Store) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, model.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListSubtasks(_ context.Context, parentID uuid.UUID) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []task.Task
	for _, t := range s.tasks {
		if t.Kind == task.KindSubtask && t.ParentID == parentID {
			subs = append(subs, t)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ServiceName < subs[j].ServiceName
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

func (s *Store) ListMains(_ context.Context) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mains []task.Task
	for _, t := range s.tasks {
		if t.Kind == task.KindMain {
			mains = append(mains, t)
		}
	}
	sort.Slice(mains, func(i, j int) bool {
		if mains[i].CreatedAt.Equal(mains[j].CreatedAt) {
			return mains[i].ID.String() < mains[j].ID.String()
		}
		return mains[i].CreatedAt.After(mains[j].CreatedAt)
	})
	return mains, nil
}

// Transition applies the status change under the store lock, which makes the
// compare-and-set atomic: the losing writer of a finalization race observes
// the terminal status and gets model.ErrInvalidTransition.
func (s *Store) Transition(_ context.Context, id uuid.UUID, status task.Status, result json.RawMessage, errDetail string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, model.ErrNotFound
	}
	updated, err := task.ApplyTransition(t, status, result, errDetail, time.Now().UTC())
	if err != nil {
		return task.Task{}, err
	}
	s.tasks[id] = updated
	return updated, nil
}

func (s *Store) Close() error { return nil }
