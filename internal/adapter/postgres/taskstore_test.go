package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/adapter/postgres"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/taskstore/storetest"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use TaskStore. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.TaskStore {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewTaskStore(pool)
}

func TestTaskStore_Compliance(t *testing.T) {
	store := setupStore(t)
	storetest.RunComplianceTests(t, store, "pg-"+uuid.New().String()[:8]+"-")
}

func TestTaskStore_ListEscalated(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tk := &task.OrchestratorTask{
		ID:        "pg-esc-" + uuid.New().String()[:8],
		Request:   "ambiguous request",
		Status:    task.StatusDecomposing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	next := tk.Clone()
	next.Escalation = &confidence.EscalationRecord{ID: "esc-1", TaskID: tk.ID, Stage: confidence.StageDecomposition, Score: 0.4, Threshold: 0.9}
	if err := next.Transition(task.StatusEscalated, now); err != nil {
		t.Fatal(err)
	}
	if err := store.CompareAndSwap(ctx, tk.ID, tk.Version, next); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListEscalated(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := range list {
		if list[i].ID == tk.ID {
			found = true
			if list[i].Escalation == nil || list[i].Escalation.ID != "esc-1" {
				t.Fatalf("expected escalation record, got %+v", list[i].Escalation)
			}
		}
	}
	if !found {
		t.Fatal("expected task in escalation queue")
	}
}

func TestMigrationVersion(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatal(err)
	}
	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if v < 2 {
		t.Fatalf("expected migration version >= 2, got %d", v)
	}
}
