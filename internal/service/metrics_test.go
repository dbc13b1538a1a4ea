package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

type countingTelemetry struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	retries  int
}

func (c *countingTelemetry) TaskStarted(context.Context) { c.mu.Lock(); c.started++; c.mu.Unlock() }
func (c *countingTelemetry) TaskFinished(_ context.Context, status string) {
	c.mu.Lock()
	if c.finished == nil {
		c.finished = map[string]int{}
	}
	c.finished[status]++
	c.mu.Unlock()
}
func (c *countingTelemetry) Retry(context.Context, string)                         { c.mu.Lock(); c.retries++; c.mu.Unlock() }
func (c *countingTelemetry) Fallback(context.Context, string, string)              {}
func (c *countingTelemetry) ServiceSelected(context.Context, string, string)       {}
func (c *countingTelemetry) StageCompleted(context.Context, string, time.Duration) {}
func (c *countingTelemetry) ConfidenceScored(context.Context, string, float64)     {}

func TestMetricsTracker_Snapshot(t *testing.T) {
	tel := &countingTelemetry{}
	m := service.NewMetricsTracker(tel)
	ctx := context.Background()

	m.StartTask(ctx, "t1")
	m.RecordStage(ctx, "t1", "decomposing", 100*time.Millisecond)
	m.RecordConfidence(ctx, "t1", "decomposition", 0.8)
	m.RecordSelection(ctx, "t1", "svc-a", "x")
	m.RecordRetry(ctx, "t1", "a", "svc-a")
	m.RecordError(ctx, "t1", service.CategoryTimeout)
	m.FinishTask(ctx, "t1", "completed")

	m.StartTask(ctx, "t2")
	m.RecordStage(ctx, "t2", "decomposing", 300*time.Millisecond)
	m.RecordConfidence(ctx, "t2", "decomposition", 0.4)
	m.RecordEscalation(ctx, "t2", "decomposition")
	m.FinishTask(ctx, "t2", "escalated")
	m.FinishTask(ctx, "t2", "escalated")

	m.StartTask(ctx, "t3")

	s := m.Snapshot()
	if s.TasksStarted != 3 || s.TasksCompleted != 1 || s.TasksEscalated != 1 || s.TasksInFlight != 1 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if math.Abs(s.EscalationRate-0.5) > 1e-9 {
		t.Fatalf("expected escalation rate 0.5, got %v", s.EscalationRate)
	}
	if s.AvgStageDurationMS["decomposing"] != 200 {
		t.Fatalf("expected mean 200ms, got %v", s.AvgStageDurationMS["decomposing"])
	}
	if math.Abs(s.AvgConfidence["decomposition"]-0.6) > 1e-9 {
		t.Fatalf("expected mean confidence 0.6, got %v", s.AvgConfidence["decomposition"])
	}
	if s.ServiceSelections["svc-a"] != 1 || s.TotalRetries != 1 || s.ErrorsByCategory[service.CategoryTimeout] != 1 {
		t.Fatalf("unexpected aggregates %+v", s)
	}

	rec, ok := m.Task("t2")
	if !ok || !rec.Escalated || rec.EscalationStage != "decomposition" {
		t.Fatalf("unexpected task record %+v", rec)
	}
	if tel.started != 3 || tel.finished["completed"] != 1 || tel.retries != 1 {
		t.Fatalf("telemetry not mirrored: %+v", tel)
	}
}

func TestMetricsTracker_Reset(t *testing.T) {
	m := service.NewMetricsTracker(nil)
	ctx := context.Background()
	m.StartTask(ctx, "t1")
	m.RecordRetry(ctx, "t1", "a", "svc")
	m.Reset()

	s := m.Snapshot()
	if s.TasksStarted != 0 || s.TotalRetries != 0 {
		t.Fatalf("expected zeroed counters, got %+v", s)
	}
	if _, ok := m.Task("t1"); ok {
		t.Fatal("expected per-task records to be cleared")
	}
}

func TestMetricsTracker_BoundsTaskRecords(t *testing.T) {
	m := service.NewMetricsTracker(nil)
	ctx := context.Background()
	for i := range 1100 {
		m.StartTask(ctx, fmt.Sprintf("t%d", i))
	}
	if _, ok := m.Task("t0"); ok {
		t.Fatal("expected the oldest record to be evicted")
	}
	if _, ok := m.Task("t1099"); !ok {
		t.Fatal("expected the newest record to be kept")
	}
	if got := m.Snapshot().TasksStarted; got != 1100 {
		t.Fatalf("aggregates must survive eviction, got %d", got)
	}
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", domain.ErrDecompositionFailure), service.CategoryDecomposition},
		{fmt.Errorf("x: %w", domain.ErrRoutingUnavailable), service.CategoryRouting},
		{fmt.Errorf("x: %w", domain.ErrServiceTimeout), service.CategoryTimeout},
		{fmt.Errorf("x: %w", domain.ErrServiceFailure), service.CategoryServiceFail},
		{resilience.ErrCircuitOpen, service.CategoryCircuitOpen},
		{fmt.Errorf("x: %w", domain.ErrSynthesisFailure), service.CategorySynthesis},
		{context.Canceled, service.CategoryCancelled},
		{errors.New("other"), service.CategoryInternal},
	}
	for _, tt := range tests {
		if got := service.ErrorCategory(tt.err); got != tt.want {
			t.Errorf("ErrorCategory(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
