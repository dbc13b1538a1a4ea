// Package memory implements an in-process TaskStore. It is the default backend
// for single-instance deployments and for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
)

// TaskStore keeps task snapshots as encoded JSON so callers never share
// memory with the stored version.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string][]byte
	order []string // creation order
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string][]byte)}
}

// Create stores t at version 1.
func (s *TaskStore) Create(_ context.Context, t *task.OrchestratorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
	}
	t.Version = 1
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	s.tasks[t.ID] = data
	s.order = append(s.order, t.ID)
	return nil
}

// Get returns a private copy of the stored task.
func (s *TaskStore) Get(_ context.Context, id string) (*task.OrchestratorTask, error) {
	s.mu.RLock()
	data, ok := s.tasks[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return decode(data)
}

// CompareAndSwap replaces the task if its version is still expectedVersion.
func (s *TaskStore) CompareAndSwap(_ context.Context, id string, expectedVersion int, next *task.OrchestratorTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("swap task %s: %w", id, domain.ErrNotFound)
	}
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}
	if head.Version != expectedVersion {
		return fmt.Errorf("swap task %s at version %d (stored %d): %w", id, expectedVersion, head.Version, domain.ErrConflict)
	}

	next.Version = expectedVersion + 1
	encoded, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	s.tasks[id] = encoded
	return nil
}

// List returns up to limit tasks, most recently created first.
func (s *TaskStore) List(_ context.Context, limit int) ([]task.OrchestratorTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	slices.Reverse(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]task.OrchestratorTask, 0, len(ids))
	for _, id := range ids {
		t, err := decode(s.tasks[id])
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func decode(data []byte) (*task.OrchestratorTask, error) {
	var t task.OrchestratorTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}
