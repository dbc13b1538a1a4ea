// Package event defines the StageEvent emitted on every task status transition.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of orchestration event.
type Type string

const (
	TypeStageTransition Type = "task.stage"
	TypeSubTaskStatus   Type = "task.subtask"
	TypeEscalation      Type = "task.escalated"
)

// StageEvent is one immutable record of a task moving between pipeline stages.
type StageEvent struct {
	Type       Type            `json:"type"`
	TaskID     string          `json:"task_id"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	SubTaskID  string          `json:"subtask_id,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Subject returns the message-queue subject for the event.
func (e *StageEvent) Subject() string {
	return "conductor." + string(e.Type)
}
