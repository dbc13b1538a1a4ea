package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/constraints"
)

// ConfidenceEvaluator scores the three checkpoint artifacts and decides
// whether a task proceeds automatically. The threshold is read on every call
// so a reloaded constraint model applies to in-flight tasks.
type ConfidenceEvaluator struct {
	pol     policy
	metrics *MetricsTracker
	now     func() time.Time
}

// NewConfidenceEvaluator creates a ConfidenceEvaluator.
func NewConfidenceEvaluator(source constraints.Source, cfg *config.Orchestrator, metrics *MetricsTracker) *ConfidenceEvaluator {
	if metrics == nil {
		metrics = NewMetricsTracker(nil)
	}
	return &ConfidenceEvaluator{
		pol:     policy{source: source, cfg: cfg},
		metrics: metrics,
		now:     time.Now,
	}
}

// Threshold returns the current escalation threshold.
func (e *ConfidenceEvaluator) Threshold() float64 {
	return e.pol.threshold()
}

// ShouldEscalate reports whether score is strictly below the threshold.
func (e *ConfidenceEvaluator) ShouldEscalate(score float64) bool {
	return confidence.ShouldEscalate(score, e.Threshold())
}

// Evaluate scores the artifact of a checkpoint stage. Decomposition and
// synthesis carry their own score; routing is the mean confidence of the
// decisions that found a service. Unknown artifacts score 0.
func (e *ConfidenceEvaluator) Evaluate(stage confidence.Stage, artifact any) float64 {
	switch stage {
	case confidence.StageDecomposition:
		if d, ok := artifact.(*plan.TaskDecomposition); ok && d != nil {
			return confidence.Clamp(d.Confidence)
		}
	case confidence.StageRouting:
		if ds, ok := artifact.([]routing.Decision); ok {
			return RoutingScore(ds)
		}
	case confidence.StageSynthesis:
		if r, ok := artifact.(*synthesis.SynthesizedResponse); ok && r != nil {
			return confidence.Clamp(r.Coherence)
		}
	}
	return 0
}

// RoutingScore averages the confidence of routable decisions. Subtasks with
// no available service are reported as missing later instead of lowering the
// score; if none is routable the score is 0.
func RoutingScore(decisions []routing.Decision) float64 {
	var sum float64
	n := 0
	for _, d := range decisions {
		if d.Unavailable {
			continue
		}
		sum += confidence.Clamp(d.Confidence)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Escalate packages the checkpoint decision for human review and records the
// escalation. It does not change the task; the caller transitions it.
func (e *ConfidenceEvaluator) Escalate(ctx context.Context, t *task.OrchestratorTask, stage confidence.Stage, score float64, artifact any) *confidence.EscalationRecord {
	threshold := e.Threshold()
	rec := &confidence.EscalationRecord{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Stage:     stage,
		Score:     score,
		Threshold: threshold,
		Rationale: fmt.Sprintf("%s confidence %.3f is below threshold %.2f; %s", stage, score, threshold, escalationHint(stage, artifact)),
		Artifact:  artifact,
		Context:   map[string]string{"request": t.Request},
		CreatedAt: e.now().UTC(),
	}
	for k, v := range t.UserContext {
		rec.Context[k] = v
	}
	e.metrics.RecordEscalation(ctx, t.ID, string(stage))
	return rec
}

func escalationHint(stage confidence.Stage, artifact any) string {
	switch a := artifact.(type) {
	case *plan.TaskDecomposition:
		return fmt.Sprintf("review the split into %d subtasks", len(a.SubTasks))
	case []routing.Decision:
		unavailable := 0
		for _, d := range a {
			if d.Unavailable {
				unavailable++
			}
		}
		return fmt.Sprintf("review service selection for %d subtasks (%d without a service)", len(a), unavailable)
	case *synthesis.SynthesizedResponse:
		return fmt.Sprintf("review %d conflicts and %d missing aspects", len(a.Conflicts), len(a.Missing))
	}
	return "review the " + string(stage) + " output"
}
