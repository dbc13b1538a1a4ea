package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
)

// TaskStore implements taskstore.Store on PostgreSQL. The full task is kept in
// a JSONB snapshot; status, error code and escalation id are projected into
// columns for querying. Compare-and-swap relies on the version column.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Create inserts t at version 1.
func (s *TaskStore) Create(ctx context.Context, t *task.OrchestratorTask) error {
	t.Version = 1
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO orchestrator_tasks (id, request, status, error_code, escalation_id, snapshot, version, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9)`,
		t.ID, t.Request, string(t.Status), nullIfEmpty(errorCode(t)), nullIfEmpty(escalationID(t)),
		snapshot, t.CreatedAt, t.UpdatedAt, nullTimePtr(t.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Get loads the snapshot of one task.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.OrchestratorTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT snapshot, version FROM orchestrator_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return t, nil
}

// CompareAndSwap updates the row only while its version equals expectedVersion.
func (s *TaskStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int, next *task.OrchestratorTask) error {
	next.Version = expectedVersion + 1
	snapshot, err := json.Marshal(next)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("marshal task %s: %w", id, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE orchestrator_tasks
		 SET status = $2, error_code = $3, escalation_id = $4, snapshot = $5,
		     version = version + 1, updated_at = $6, completed_at = $7
		 WHERE id = $1 AND version = $8`,
		id, string(next.Status), nullIfEmpty(errorCode(next)), nullIfEmpty(escalationID(next)),
		snapshot, next.UpdatedAt, nullTimePtr(next.CompletedAt), expectedVersion)
	if err != nil {
		next.Version = expectedVersion
		return fmt.Errorf("swap task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		next.Version = expectedVersion
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orchestrator_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("swap task %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("swap task %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("swap task %s at version %d: %w", id, expectedVersion, domain.ErrConflict)
	}
	return nil
}

// List returns up to limit tasks, newest first.
func (s *TaskStore) List(ctx context.Context, limit int) ([]task.OrchestratorTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot, version FROM orchestrator_tasks ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.OrchestratorTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListEscalated returns escalated tasks awaiting human review, newest first.
func (s *TaskStore) ListEscalated(ctx context.Context, limit int) ([]task.OrchestratorTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot, version FROM orchestrator_tasks WHERE status = 'escalated' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalated tasks: %w", err)
	}
	defer rows.Close()

	var out []task.OrchestratorTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(row scannable) (*task.OrchestratorTask, error) {
	var (
		snapshot []byte
		version  int
	)
	if err := row.Scan(&snapshot, &version); err != nil {
		return nil, err
	}
	var t task.OrchestratorTask
	if err := json.Unmarshal(snapshot, &t); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	t.Version = version
	return &t, nil
}

func errorCode(t *task.OrchestratorTask) string {
	if t.Error == nil {
		return ""
	}
	return t.Error.Code
}

func escalationID(t *task.OrchestratorTask) string {
	if t.Escalation == nil {
		return ""
	}
	return t.Escalation.ID
}
