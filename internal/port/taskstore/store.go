// Package taskstore defines the port for persisting orchestrator task state
// across processes.
package taskstore

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/task"
)

// Store persists OrchestratorTask snapshots with optimistic concurrency.
type Store interface {
	// Create stores a new task. Returns domain.ErrConflict if the id exists.
	Create(ctx context.Context, t *task.OrchestratorTask) error

	// Get returns the current snapshot. Returns domain.ErrNotFound if missing.
	Get(ctx context.Context, id string) (*task.OrchestratorTask, error)

	// CompareAndSwap writes next only if the stored version still equals
	// expectedVersion. On success next.Version is expectedVersion+1. Returns
	// domain.ErrConflict when the stored version moved on.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *task.OrchestratorTask) error

	// List returns up to limit most recently created tasks.
	List(ctx context.Context, limit int) ([]task.OrchestratorTask, error)
}
