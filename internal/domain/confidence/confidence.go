// Package confidence defines the decision checkpoints, score bounds and
// escalation records used to gate automatic progression of a task.
package confidence

import (
	"math"
	"time"
)

// DefaultThreshold is used when the constraint model does not set one.
const DefaultThreshold = 0.90

// Stage identifies an escalation checkpoint.
type Stage string

const (
	StageDecomposition Stage = "decomposition"
	StageRouting       Stage = "routing"
	StageSynthesis     Stage = "synthesis"
)

// Clamp bounds v to [0, 1]. NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ShouldEscalate reports whether score falls strictly below threshold.
// A score equal to the threshold does not escalate.
func ShouldEscalate(score, threshold float64) bool {
	return score < threshold
}

// Weighted returns the weighted mean of values, clamped to [0, 1]. Weights
// that are not positive are ignored; if none remain the plain mean is used.
func Weighted(values, weights []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum, total float64
	for i, v := range values {
		w := 0.0
		if i < len(weights) {
			w = weights[i]
		}
		if w <= 0 {
			continue
		}
		sum += Clamp(v) * w
		total += w
	}
	if total == 0 {
		for _, v := range values {
			sum += Clamp(v)
		}
		return Clamp(sum / float64(len(values)))
	}
	return Clamp(sum / total)
}

// EscalationRecord packages a low-confidence decision for human review.
type EscalationRecord struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Stage     Stage             `json:"stage"`
	Score     float64           `json:"score"`
	Threshold float64           `json:"threshold"`
	Rationale string            `json:"rationale"`
	Artifact  any               `json:"artifact,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
