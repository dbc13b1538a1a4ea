// Package synthesis defines subtask results, provenance, conflicts and the final
// synthesized response.
package synthesis

import "time"

// Provenance records which service contributed which part of a response.
type Provenance struct {
	SubTaskID  string   `json:"subtask_id"`
	ServiceID  string   `json:"service_id"`
	Domain     string   `json:"domain"`
	Fields     []string `json:"fields,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Attempts   int      `json:"attempts,omitempty"`
	Resolution string   `json:"resolution,omitempty"` // how a contested field was settled
}

// TaskResult is the response from one remote service for one subtask. It is
// immutable once stored.
type TaskResult struct {
	SubTaskID       string         `json:"subtask_id"`
	ServiceID       string         `json:"service_id"`
	Payload         map[string]any `json:"payload,omitempty"`
	Confidence      *float64       `json:"confidence,omitempty"` // service-reported, optional
	ExecutionTimeMS int64          `json:"execution_time_ms"`    // duration of the final attempt only
	Attempts        int            `json:"attempts"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// ResolvedBy names the mechanism that settled a conflict.
type ResolvedBy string

const (
	ResolvedByRule     ResolvedBy = "rule"
	ResolvedByReasoner ResolvedBy = "reasoner"
	// ResolvedByDefault means neither a rule nor the reasoner settled the
	// slot and the earliest candidate in execution order was kept.
	ResolvedByDefault ResolvedBy = "default"
)

// ConflictCandidate is one contested value for a slot.
type ConflictCandidate struct {
	SubTaskID string `json:"subtask_id"`
	ServiceID string `json:"service_id"`
	Domain    string `json:"domain"`
	Value     any    `json:"value"`
}

// Conflict is a disagreement between results over the same semantic slot.
type Conflict struct {
	Slot       string              `json:"slot"`
	Candidates []ConflictCandidate `json:"candidates"`
	Winner     string              `json:"winner,omitempty"` // winning subtask id
	Value      any                 `json:"value,omitempty"`
	ResolvedBy ResolvedBy          `json:"resolved_by,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
}

// ResolutionRule states that results from one domain outrank another for a slot.
// An empty Slot applies to every slot.
type ResolutionRule struct {
	Slot   string `json:"slot" yaml:"slot"`
	Winner string `json:"winner" yaml:"winner"`
	Loser  string `json:"loser" yaml:"loser"`
}

// MissingAspect is a part of the task that produced no usable result.
type MissingAspect struct {
	SubTaskID string `json:"subtask_id"`
	Domain    string `json:"domain"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// SynthesizedResponse is the final combined answer attached to a task.
type SynthesizedResponse struct {
	TaskID     string          `json:"task_id"`
	Payload    map[string]any  `json:"payload"`
	Summary    string          `json:"summary,omitempty"`
	Provenance []Provenance    `json:"provenance"`
	Confidence float64         `json:"confidence"`
	Coherence  float64         `json:"coherence"` // confidence ignoring missing aspects
	Results    []TaskResult    `json:"results"`
	Conflicts  []Conflict      `json:"conflicts,omitempty"`
	Incomplete bool            `json:"incomplete"`
	Missing    []MissingAspect `json:"missing,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MissingDomains returns the domains of every missing aspect in order.
func (r *SynthesizedResponse) MissingDomains() []string {
	domains := make([]string, 0, len(r.Missing))
	for _, m := range r.Missing {
		domains = append(domains, m.Domain)
	}
	return domains
}
