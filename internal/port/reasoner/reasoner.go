// Package reasoner defines the port for the language reasoning service used to
// decompose tasks and adjudicate conflicting results.
package reasoner

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/port/constraints"
)

// ProposedSubTask is one subtask as suggested by the reasoner, before ids
// are normalised and the graph is validated.
type ProposedSubTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Domain       string   `json:"domain"`
	Capabilities []string `json:"capabilities,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	Slots        []string `json:"slots,omitempty"`
	BestEffort   bool     `json:"best_effort,omitempty"`
}

// DecomposeRequest asks the reasoner to split a task into domain subtasks.
type DecomposeRequest struct {
	Task       string                   `json:"task"`
	Context    map[string]string        `json:"context,omitempty"`
	Domains    []constraints.DomainInfo `json:"domains"`
	Guidelines []string                 `json:"guidelines,omitempty"`
}

// DecomposeReply is the reasoner's proposed decomposition.
type DecomposeReply struct {
	SubTasks []ProposedSubTask `json:"subtasks"`
	// Clarity is the reasoner's own estimate of how unambiguous the split is.
	// Nil means not reported.
	Clarity   *float64 `json:"clarity,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

// SynthesizeRequest asks the reasoner to adjudicate conflicting slot values.
type SynthesizeRequest struct {
	Task      string                 `json:"task"`
	Conflicts []synthesis.Conflict   `json:"conflicts"`
	Results   []synthesis.TaskResult `json:"results,omitempty"`
}

// Adjudication picks the winning subtask for one contested slot.
type Adjudication struct {
	Slot      string `json:"slot"`
	Winner    string `json:"winner"` // subtask id
	Rationale string `json:"rationale,omitempty"`
}

// SynthesizeReply carries one adjudication per conflict plus an optional
// narrative summary of the combined answer.
type SynthesizeReply struct {
	Adjudications []Adjudication `json:"adjudications"`
	Summary       string         `json:"summary,omitempty"`
}

// Reasoner is the language reasoning service.
type Reasoner interface {
	Decompose(ctx context.Context, req *DecomposeRequest) (*DecomposeReply, error)
	Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeReply, error)
}
