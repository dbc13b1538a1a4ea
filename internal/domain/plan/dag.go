package plan

// ReadySubTasks returns the IDs of subtasks that are pending and whose
// dependencies have all succeeded. A best-effort dependency only needs to be
// terminal.
func ReadySubTasks(subtasks []SubTask) []string {
	byID := index(subtasks)

	var ready []string
	for i := range subtasks {
		if subtasks[i].Status != SubTaskPending {
			continue
		}
		allDepsMet := true
		for _, dep := range subtasks[i].DependsOn {
			d, ok := byID[dep]
			if !ok || !dependencyMet(d) {
				allDepsMet = false
				break
			}
		}
		if allDepsMet {
			ready = append(ready, subtasks[i].ID)
		}
	}
	return ready
}

// BlockedSubTasks returns the IDs of pending subtasks that can never run because a
// required (non best-effort) dependency ended without success.
func BlockedSubTasks(subtasks []SubTask) []string {
	byID := index(subtasks)

	var blocked []string
	for i := range subtasks {
		if subtasks[i].Status != SubTaskPending {
			continue
		}
		for _, dep := range subtasks[i].DependsOn {
			d, ok := byID[dep]
			if !ok {
				blocked = append(blocked, subtasks[i].ID)
				break
			}
			if d.Status.IsTerminal() && d.Status != SubTaskSucceeded && !d.BestEffort {
				blocked = append(blocked, subtasks[i].ID)
				break
			}
		}
	}
	return blocked
}

// AllTerminal returns true if every subtask is in a terminal state.
func AllTerminal(subtasks []SubTask) bool {
	for i := range subtasks {
		if !subtasks[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// CountByStatus returns the number of subtasks in the given status.
func CountByStatus(subtasks []SubTask, status SubTaskStatus) int {
	count := 0
	for i := range subtasks {
		if subtasks[i].Status == status {
			count++
		}
	}
	return count
}

// TopologicalOrder returns subtask IDs in a dependency-respecting order using
// Kahn's algorithm. Ties keep declaration order so the result is deterministic.
// The second return value is false when the graph has a cycle or an unknown
// dependency.
func TopologicalOrder(subtasks []SubTask) ([]string, bool) {
	n := len(subtasks)
	pos := make(map[string]int, n)
	for i := range subtasks {
		pos[subtasks[i].ID] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i := range subtasks {
		for _, dep := range subtasks[i].DependsOn {
			j, ok := pos[dep]
			if !ok || j == i {
				return nil, false
			}
			adj[j] = append(adj[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, n)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, subtasks[node].ID)
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		return nil, false
	}
	return order, true
}

func index(subtasks []SubTask) map[string]*SubTask {
	byID := make(map[string]*SubTask, len(subtasks))
	for i := range subtasks {
		byID[subtasks[i].ID] = &subtasks[i]
	}
	return byID
}

func dependencyMet(dep *SubTask) bool {
	if dep.Status == SubTaskSucceeded {
		return true
	}
	return dep.BestEffort && dep.Status.IsTerminal()
}
