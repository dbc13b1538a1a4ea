package plan

import (
	"errors"
	"fmt"
)

var (
	ErrEmptySubtasks        = errors.New("at least one subtask is required")
	ErrDuplicateID          = errors.New("subtask id is not unique")
	ErrMissingID            = errors.New("subtask id is required")
	ErrMissingDescription   = errors.New("subtask description is required")
	ErrMissingDomain        = errors.New("subtask domain is required")
	ErrUnknownDependency    = errors.New("subtask dependency references unknown subtask")
	ErrCycle                = errors.New("subtask dependencies contain a cycle")
	ErrExecutionOrderLength = errors.New("execution order does not cover every subtask")
	ErrExecutionOrderDeps   = errors.New("execution order violates a dependency")
)

// ValidateSubTasks checks subtask ids, required fields, and that the dependency
// relation is a DAG.
func ValidateSubTasks(subtasks []SubTask) error {
	if len(subtasks) == 0 {
		return ErrEmptySubtasks
	}

	seen := make(map[string]bool, len(subtasks))
	for i := range subtasks {
		st := &subtasks[i]
		if st.ID == "" {
			return fmt.Errorf("subtask %d: %w", i, ErrMissingID)
		}
		if seen[st.ID] {
			return fmt.Errorf("subtask %q: %w", st.ID, ErrDuplicateID)
		}
		seen[st.ID] = true
		if st.Description == "" {
			return fmt.Errorf("subtask %q: %w", st.ID, ErrMissingDescription)
		}
		if st.Domain == "" {
			return fmt.Errorf("subtask %q: %w", st.ID, ErrMissingDomain)
		}
	}

	for i := range subtasks {
		for _, dep := range subtasks[i].DependsOn {
			if dep == subtasks[i].ID {
				return fmt.Errorf("subtask %q depends on itself: %w", dep, ErrCycle)
			}
			if !seen[dep] {
				return fmt.Errorf("subtask %q depends on %q: %w", subtasks[i].ID, dep, ErrUnknownDependency)
			}
		}
	}

	if _, ok := TopologicalOrder(subtasks); !ok {
		return ErrCycle
	}
	return nil
}

// Validate checks the decomposition's subtasks and that ExecutionOrder is a
// permutation of the subtask ids consistent with every dependency edge.
func (d *TaskDecomposition) Validate() error {
	if err := ValidateSubTasks(d.SubTasks); err != nil {
		return err
	}
	if len(d.ExecutionOrder) != len(d.SubTasks) {
		return ErrExecutionOrderLength
	}

	pos := make(map[string]int, len(d.ExecutionOrder))
	for i, id := range d.ExecutionOrder {
		if d.Find(id) == nil {
			return fmt.Errorf("execution order entry %q: %w", id, ErrUnknownDependency)
		}
		if _, dup := pos[id]; dup {
			return fmt.Errorf("execution order entry %q: %w", id, ErrDuplicateID)
		}
		pos[id] = i
	}
	for i := range d.SubTasks {
		for _, dep := range d.SubTasks[i].DependsOn {
			if pos[dep] > pos[d.SubTasks[i].ID] {
				return fmt.Errorf("%q runs before %q: %w", d.SubTasks[i].ID, dep, ErrExecutionOrderDeps)
			}
		}
	}
	return nil
}
