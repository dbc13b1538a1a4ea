// Package plan defines the TaskDecomposition domain entity: the subtasks derived
// from one orchestrator task and the dependency graph between them.
package plan

import "time"

// SubTaskStatus represents the lifecycle state of an individual subtask.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskSucceeded SubTaskStatus = "succeeded"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskSkipped   SubTaskStatus = "skipped"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// IsTerminal returns true if the subtask is in a final state.
func (s SubTaskStatus) IsTerminal() bool {
	switch s {
	case SubTaskSucceeded, SubTaskFailed, SubTaskSkipped, SubTaskCancelled:
		return true
	}
	return false
}

// SubTask is one domain-scoped unit of work derived from a task.
type SubTask struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	Domain          string        `json:"domain"`
	Capabilities    []string      `json:"capabilities,omitempty"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Slots           []string      `json:"slots,omitempty"`       // response fields this subtask is expected to populate
	BestEffort      bool          `json:"best_effort,omitempty"` // dependents may run even if this one fails
	AssignedService string        `json:"assigned_service,omitempty"`
	Status          SubTaskStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	Error           string        `json:"error,omitempty"`
}

// TaskDecomposition is the immutable output of decomposing one task.
type TaskDecomposition struct {
	TaskID         string    `json:"task_id"`
	SubTasks       []SubTask `json:"subtasks"`
	ExecutionOrder []string  `json:"execution_order"`
	Confidence     float64   `json:"confidence"`
	Rationale      string    `json:"rationale,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Find returns the subtask with the given id, or nil.
func (d *TaskDecomposition) Find(id string) *SubTask {
	for i := range d.SubTasks {
		if d.SubTasks[i].ID == id {
			return &d.SubTasks[i]
		}
	}
	return nil
}

// Clone returns a deep copy so executors can mutate subtask state without
// touching the stored decomposition.
func (d *TaskDecomposition) Clone() *TaskDecomposition {
	out := *d
	out.SubTasks = make([]SubTask, len(d.SubTasks))
	for i := range d.SubTasks {
		st := d.SubTasks[i]
		st.Capabilities = append([]string(nil), st.Capabilities...)
		st.DependsOn = append([]string(nil), st.DependsOn...)
		st.Slots = append([]string(nil), st.Slots...)
		out.SubTasks[i] = st
	}
	out.ExecutionOrder = append([]string(nil), d.ExecutionOrder...)
	return &out
}
