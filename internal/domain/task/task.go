// Package task defines the OrchestratorTask domain entity and its status machine.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
)

// Status represents the pipeline stage of a task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDecomposing  Status = "decomposing"
	StatusRouting      Status = "routing"
	StatusExecuting    Status = "executing"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusEscalated    Status = "escalated"
)

// pipeline is the forward order of non-terminal stages.
var pipeline = []Status{
	StatusPending,
	StatusDecomposing,
	StatusRouting,
	StatusExecuting,
	StatusSynthesizing,
	StatusCompleted,
}

// IsTerminal returns true for completed, failed and escalated.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

func (s Status) rank() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Every non-terminal stage may advance to the following stage or fail.
// Escalation is legal from any checkpoint stage (decomposing, routing,
// executing, synthesizing). Terminal statuses accept nothing.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusFailed:
		return true
	case StatusEscalated:
		return s == StatusDecomposing || s == StatusRouting || s == StatusExecuting || s == StatusSynthesizing
	}
	cur, nxt := s.rank(), next.rank()
	return cur >= 0 && nxt == cur+1
}

// Error codes carried by TaskError.
const (
	CodeDecompositionFailure = "decomposition_failure"
	CodeSynthesisFailure     = "synthesis_failure"
	CodeCancelled            = "cancelled"
	CodeInternal             = "internal"
)

// TaskError is the structured error payload of a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Stage   Status `json:"stage"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s during %s: %s", e.Code, e.Stage, e.Message)
}

// ErrorCode maps a pipeline error onto a TaskError code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrDecompositionFailure):
		return CodeDecompositionFailure
	case errors.Is(err, domain.ErrSynthesisFailure):
		return CodeSynthesisFailure
	case errors.Is(err, domain.ErrCancelled):
		return CodeCancelled
	}
	return CodeInternal
}

// Transition records one status change.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// OrchestratorTask is one user request tracked end-to-end.
type OrchestratorTask struct {
	ID            string                         `json:"id"`
	Request       string                         `json:"request"`
	UserContext   map[string]string              `json:"user_context,omitempty"`
	ContextBundle map[string]any                 `json:"context_bundle,omitempty"`
	Status        Status                         `json:"status"`
	Error         *TaskError                     `json:"error,omitempty"`
	Decomposition *plan.TaskDecomposition        `json:"decomposition,omitempty"`
	SubTasks      []plan.SubTask                 `json:"subtasks,omitempty"` // live execution state
	Routing       []routing.Decision             `json:"routing,omitempty"`
	Results       []synthesis.TaskResult         `json:"results,omitempty"`
	Response      *synthesis.SynthesizedResponse `json:"response,omitempty"`
	Escalation    *confidence.EscalationRecord   `json:"escalation,omitempty"`
	History       []Transition                   `json:"history,omitempty"`
	CancelRequest bool                           `json:"cancel_requested,omitempty"`
	Version       int                            `json:"version"`
	CreatedAt     time.Time                      `json:"created_at"`
	UpdatedAt     time.Time                      `json:"updated_at"`
	CompletedAt   *time.Time                     `json:"completed_at,omitempty"`
}

// Transition moves the task to next, or returns ErrInvalidTransition.
func (t *OrchestratorTask) Transition(next Status, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", t.Status, next, domain.ErrInvalidTransition)
	}
	t.History = append(t.History, Transition{From: t.Status, To: next, At: now})
	t.Status = next
	t.UpdatedAt = now
	if next.IsTerminal() {
		at := now
		t.CompletedAt = &at
	}
	return nil
}

// Fail transitions to failed with a structured error derived from err.
func (t *OrchestratorTask) Fail(err error, now time.Time) error {
	stage := t.Status
	if trErr := t.Transition(StatusFailed, now); trErr != nil {
		return trErr
	}
	t.Error = &TaskError{Code: ErrorCode(err), Stage: stage, Message: err.Error()}
	return nil
}

// Clone returns a deep-enough copy for compare-and-swap: slices and pointers
// that stages replace wholesale are copied so the stored version stays intact.
func (t *OrchestratorTask) Clone() *OrchestratorTask {
	out := *t
	out.History = append([]Transition(nil), t.History...)
	out.SubTasks = append([]plan.SubTask(nil), t.SubTasks...)
	out.Routing = append([]routing.Decision(nil), t.Routing...)
	out.Results = append([]synthesis.TaskResult(nil), t.Results...)
	if t.Decomposition != nil {
		out.Decomposition = t.Decomposition.Clone()
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return &out
}

// Request is what a caller submits to the orchestrator.
type Request struct {
	Request       string            `json:"request"`
	UserContext   map[string]string `json:"user_context,omitempty"`
	ContextBundle map[string]any    `json:"context_bundle,omitempty"`
}

// Validate checks that the request text is non-empty.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Request) == "" {
		return fmt.Errorf("request text is required: %w", domain.ErrValidation)
	}
	return nil
}
