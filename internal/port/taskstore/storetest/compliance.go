// Package storetest provides a shared behavioural suite for taskstore.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

// RunComplianceTests exercises create, read, compare-and-swap and listing. The
// store must start empty of the ids used here; ids are prefixed with prefix so
// shared backends can run the suite repeatedly.
func RunComplianceTests(t *testing.T, s taskstore.Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	newTask := func(id string) *task.OrchestratorTask {
		return &task.OrchestratorTask{
			ID:          prefix + id,
			Request:     "assess " + id,
			UserContext: map[string]string{"user": "u1"},
			Status:      task.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		tk := newTask("create")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		if tk.Version != 1 {
			t.Fatalf("expected version 1 after create, got %d", tk.Version)
		}
		got, err := s.Get(ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Request != tk.Request || got.Status != task.StatusPending || got.Version != 1 {
			t.Fatalf("unexpected task: %+v", got)
		}
		if got.UserContext["user"] != "u1" {
			t.Fatalf("expected user context to round-trip, got %v", got.UserContext)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		tk := newTask("dup")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		if err := s.Create(ctx, newTask("dup")); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, prefix+"missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		tk := newTask("cas")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		next := tk.Clone()
		if err := next.Transition(task.StatusDecomposing, now); err != nil {
			t.Fatal(err)
		}
		if err := s.CompareAndSwap(ctx, tk.ID, 1, next); err != nil {
			t.Fatal(err)
		}
		if next.Version != 2 {
			t.Fatalf("expected version 2, got %d", next.Version)
		}
		got, err := s.Get(ctx, tk.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != task.StatusDecomposing || got.Version != 2 {
			t.Fatalf("expected decomposing@2, got %s@%d", got.Status, got.Version)
		}
	})

	t.Run("CompareAndSwapStale", func(t *testing.T) {
		tk := newTask("stale")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		first := tk.Clone()
		first.Status = task.StatusDecomposing
		if err := s.CompareAndSwap(ctx, tk.ID, 1, first); err != nil {
			t.Fatal(err)
		}
		second := tk.Clone()
		second.Status = task.StatusFailed
		if err := s.CompareAndSwap(ctx, tk.ID, 1, second); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict on stale version, got %v", err)
		}
		got, _ := s.Get(ctx, tk.ID)
		if got.Status != task.StatusDecomposing {
			t.Fatalf("stale write must not land, got %s", got.Status)
		}
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		err := s.CompareAndSwap(ctx, prefix+"nope", 1, newTask("nope"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentSwapsOneWinner", func(t *testing.T) {
		tk := newTask("race")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := tk.Clone()
				next.Request = fmt.Sprintf("writer-%d", i)
				if err := s.CompareAndSwap(ctx, tk.ID, 1, next); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly 1 winning swap, got %d", wins)
		}
	})

	t.Run("ReturnedCopyIsIsolated", func(t *testing.T) {
		tk := newTask("iso")
		if err := s.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Get(ctx, tk.ID)
		got.Status = task.StatusCompleted
		again, _ := s.Get(ctx, tk.ID)
		if again.Status != task.StatusPending {
			t.Fatalf("mutating a returned task must not change the store, got %s", again.Status)
		}
	})

	t.Run("List", func(t *testing.T) {
		list, err := s.List(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 {
			t.Fatalf("expected limit of 2 tasks, got %d", len(list))
		}
	})
}
