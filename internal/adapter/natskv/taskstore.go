package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
)

// TaskStore implements taskstore.Store on a JetStream KV bucket. The task
// version lives in the JSON value; the swap itself is guarded by the KV entry
// revision so concurrent instances cannot both win.
type TaskStore struct {
	kv jetstream.KeyValue
}

// NewTaskStore creates a TaskStore over kv.
func NewTaskStore(kv jetstream.KeyValue) *TaskStore {
	return &TaskStore{kv: kv}
}

// Create stores t at version 1. Fails with ErrConflict when the key exists.
func (s *TaskStore) Create(ctx context.Context, t *task.OrchestratorTask) error {
	t.Version = 1
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if _, err := s.kv.Create(ctx, t.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns the stored task.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.OrchestratorTask, error) {
	t, _, err := s.load(ctx, id)
	return t, err
}

// CompareAndSwap writes next if the stored task is still at expectedVersion.
func (s *TaskStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *task.OrchestratorTask) error {
	current, revision, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("swap task %s at version %d (stored %d): %w", id, expectedVersion, current.Version, domain.ErrConflict)
	}

	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("marshal task %s: %w", id, err)
	}
	if _, err := s.kv.Update(ctx, id, data, revision); err != nil {
		next.Version = expectedVersion
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("swap task %s at revision %d: %w", id, revision, domain.ErrConflict)
		}
		return fmt.Errorf("swap task %s: %w", id, err)
	}
	return nil
}

// List returns up to limit tasks, newest first. It scans every key, so it is
// meant for operator views rather than hot paths.
func (s *TaskStore) List(ctx context.Context, limit int) ([]task.OrchestratorTask, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []task.OrchestratorTask
	for key := range lister.Keys() {
		t, _, err := s.load(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue // deleted between list and get
			}
			return nil, err
		}
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TaskStore) load(ctx context.Context, id string) (*task.OrchestratorTask, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get task %s: %w", id, err)
	}
	var t task.OrchestratorTask
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, 0, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, entry.Revision(), nil
}
