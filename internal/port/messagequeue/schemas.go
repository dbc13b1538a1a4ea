package messagequeue

// StagePayload is the schema for conductor.task.stage messages.
type StagePayload struct {
	TaskID     string `json:"task_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

// SubTaskPayload is the schema for conductor.task.subtask messages.
type SubTaskPayload struct {
	TaskID    string `json:"task_id"`
	SubTaskID string `json:"subtask_id"`
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

// EscalatedPayload is the schema for conductor.task.escalated messages.
type EscalatedPayload struct {
	TaskID       string  `json:"task_id"`
	EscalationID string  `json:"escalation_id"`
	Stage        string  `json:"stage"`
	Score        float64 `json:"score"`
	Threshold    float64 `json:"threshold"`
}

// CancelPayload is the schema for conductor.task.cancel messages.
type CancelPayload struct {
	TaskID string `json:"task_id"`
}
