package service_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/reasoner"
	"github.com/Strob0t/Conductor/internal/service"
)

var synthTask = &task.OrchestratorTask{ID: "t1", Request: "report revenue"}

type outcome struct {
	id, domain string
	slots      []string
	status     plan.SubTaskStatus
	payload    map[string]any
}

func reportOf(outcomes ...outcome) *service.ExecutionReport {
	r := &service.ExecutionReport{}
	for _, o := range outcomes {
		r.SubTasks = append(r.SubTasks, plan.SubTask{ID: o.id, Domain: o.domain, Slots: o.slots, Status: o.status})
		r.Decisions = append(r.Decisions, routing.Decision{SubTaskID: o.id, ServiceID: "svc-" + o.domain, Confidence: 0.95})
		switch o.status {
		case plan.SubTaskSucceeded:
			r.Results = append(r.Results, synthesis.TaskResult{SubTaskID: o.id, ServiceID: "svc-" + o.domain, Payload: o.payload, Attempts: 1, Success: true})
		case plan.SubTaskFailed:
			r.Results = append(r.Results, synthesis.TaskResult{SubTaskID: o.id, ServiceID: "svc-" + o.domain, Attempts: 3, Error: "boom"})
		}
	}
	return r
}

func newSynth(t *testing.T, r reasoner.Reasoner, rules []synthesis.ResolutionRule) *service.Synthesizer {
	t.Helper()
	return service.NewSynthesizer(r, staticSource(t, nil, nil, rules), &config.Orchestrator{})
}

func TestSynthesize_MergesWithoutConflicts(t *testing.T) {
	r := &scriptedReasoner{}
	s := newSynth(t, r, nil)

	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "x", status: plan.SubTaskSucceeded, payload: map[string]any{"x_status": "ok"}},
		outcome{id: "b", domain: "y", status: plan.SubTaskSucceeded, payload: map[string]any{"y_status": "ok"}},
	))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if resp.Payload["x_status"] != "ok" || resp.Payload["y_status"] != "ok" {
		t.Fatalf("unexpected payload %v", resp.Payload)
	}
	if len(resp.Conflicts) != 0 || resp.Incomplete {
		t.Fatalf("expected clean response, got conflicts=%d incomplete=%v", len(resp.Conflicts), resp.Incomplete)
	}
	if _, calls := r.calls(); calls != 0 {
		t.Fatalf("reasoner must not be called without conflicts, got %d calls", calls)
	}
	if len(resp.Provenance) != 2 || !slices.Equal(resp.Provenance[0].Fields, []string{"x_status"}) {
		t.Fatalf("unexpected provenance %+v", resp.Provenance)
	}
	if resp.Confidence < 0.9 {
		t.Fatalf("expected confidence >= 0.9, got %v", resp.Confidence)
	}
}

func TestSynthesize_RuleResolvesConflict(t *testing.T) {
	r := &scriptedReasoner{}
	s := newSynth(t, r, []synthesis.ResolutionRule{{Slot: "total", Winner: "finance", Loser: "sales"}})

	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "sales", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 90.0}},
		outcome{id: "b", domain: "finance", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
	))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(resp.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(resp.Conflicts))
	}
	c := resp.Conflicts[0]
	if c.ResolvedBy != synthesis.ResolvedByRule || c.Winner != "b" {
		t.Fatalf("expected rule win for b, got %+v", c)
	}
	if resp.Payload["total"] != 100.0 {
		t.Fatalf("expected finance total, got %v", resp.Payload["total"])
	}
	if _, calls := r.calls(); calls != 0 {
		t.Fatal("rule-resolved conflicts must not reach the reasoner")
	}
	if resp.Provenance[1].Resolution != "total by rule" {
		t.Fatalf("expected provenance to record the win, got %q", resp.Provenance[1].Resolution)
	}
	if !slices.Equal(resp.Provenance[1].Fields, []string{"total"}) || len(resp.Provenance[0].Fields) != 0 {
		t.Fatalf("expected only the winner to own total, got %+v", resp.Provenance)
	}
}

func TestSynthesize_ReasonerAdjudicates(t *testing.T) {
	r := &scriptedReasoner{synthesize: &reasoner.SynthesizeReply{
		Adjudications: []reasoner.Adjudication{{Slot: "total", Winner: "b", Rationale: "more recent"}},
		Summary:       "revenue is 100",
	}}
	s := newSynth(t, r, nil)

	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "sales", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 90.0}},
		outcome{id: "b", domain: "finance", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
	))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	c := resp.Conflicts[0]
	if c.ResolvedBy != synthesis.ResolvedByReasoner || c.Winner != "b" || c.Rationale != "more recent" {
		t.Fatalf("unexpected resolution %+v", c)
	}
	if resp.Summary != "revenue is 100" {
		t.Fatalf("expected reasoner summary, got %q", resp.Summary)
	}
	if _, calls := r.calls(); calls != 1 {
		t.Fatalf("expected one batched reasoner call, got %d", calls)
	}
	// Every conflict needed adjudication: 0.4*0 + 0.3*1 + 0.3*0.95.
	if math.Abs(resp.Confidence-0.585) > 1e-9 {
		t.Fatalf("expected confidence 0.585, got %v", resp.Confidence)
	}
}

func TestSynthesize_FallsBackToEarliestCandidate(t *testing.T) {
	tests := []struct {
		name     string
		reasoner *scriptedReasoner
	}{
		{"reasoner error", &scriptedReasoner{synthesizeErr: errors.New("llm down")}},
		{"unknown winner", &scriptedReasoner{synthesize: &reasoner.SynthesizeReply{
			Adjudications: []reasoner.Adjudication{{Slot: "total", Winner: "zzz"}},
		}}},
		{"no verdict", &scriptedReasoner{synthesize: &reasoner.SynthesizeReply{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSynth(t, tt.reasoner, nil)
			resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
				outcome{id: "a", domain: "sales", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 90.0}},
				outcome{id: "b", domain: "finance", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
			))
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			c := resp.Conflicts[0]
			if c.ResolvedBy != synthesis.ResolvedByDefault || c.Winner != "a" {
				t.Fatalf("expected default win for a, got %+v", c)
			}
			if resp.Payload["total"] != 90.0 {
				t.Fatalf("expected earliest value, got %v", resp.Payload["total"])
			}
		})
	}
}

// stallingReasoner never answers an adjudication before its context ends.
type stallingReasoner struct{ scriptedReasoner }

func (r *stallingReasoner) Synthesize(ctx context.Context, _ *reasoner.SynthesizeRequest) (*reasoner.SynthesizeReply, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSynthesize_AdjudicationTimeoutFailsStage(t *testing.T) {
	s := service.NewSynthesizer(&stallingReasoner{}, staticSource(t, nil, nil, nil),
		&config.Orchestrator{ReasonerTimeout: 20 * time.Millisecond})

	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "sales", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 90.0}},
		outcome{id: "b", domain: "finance", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
	))
	if !errors.Is(err, domain.ErrSynthesisFailure) {
		t.Fatalf("expected ErrSynthesisFailure, got %v", err)
	}
	if resp != nil {
		t.Fatalf("a timed out stage must not return a response, got %+v", resp)
	}
}

func TestSynthesize_EqualValuesAreNotConflicts(t *testing.T) {
	s := newSynth(t, &scriptedReasoner{}, nil)
	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "sales", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
		outcome{id: "b", domain: "finance", slots: []string{"total"}, status: plan.SubTaskSucceeded, payload: map[string]any{"total": 100.0}},
	))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(resp.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", resp.Conflicts)
	}
}

func TestSynthesize_PartialResponse(t *testing.T) {
	s := newSynth(t, &scriptedReasoner{}, nil)
	resp, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "x", status: plan.SubTaskSucceeded, payload: map[string]any{"x_status": "ok"}},
		outcome{id: "b", domain: "y", status: plan.SubTaskFailed},
		outcome{id: "c", domain: "z", status: plan.SubTaskSkipped},
	))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !resp.Incomplete {
		t.Fatal("expected incomplete marker")
	}
	if got := resp.MissingDomains(); !slices.Equal(got, []string{"y", "z"}) {
		t.Fatalf("expected missing y and z, got %v", got)
	}
	if resp.Coherence <= resp.Confidence {
		t.Fatalf("coherence %v should ignore missing aspects and exceed confidence %v", resp.Coherence, resp.Confidence)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected constituent results to include the failed one, got %d", len(resp.Results))
	}
}

func TestSynthesize_ZeroSuccessesFails(t *testing.T) {
	s := newSynth(t, &scriptedReasoner{}, nil)
	_, err := s.Synthesize(context.Background(), synthTask, reportOf(
		outcome{id: "a", domain: "x", status: plan.SubTaskFailed},
		outcome{id: "b", domain: "y", status: plan.SubTaskSkipped},
	))
	if !errors.Is(err, domain.ErrSynthesisFailure) {
		t.Fatalf("expected ErrSynthesisFailure, got %v", err)
	}
}
