package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/resilience"
)

// Telemetry receives every observation the tracker records. The OTel
// adapter's Metrics implements it.
type Telemetry interface {
	TaskStarted(ctx context.Context)
	TaskFinished(ctx context.Context, status string)
	Retry(ctx context.Context, serviceID string)
	Fallback(ctx context.Context, fromServiceID, toServiceID string)
	ServiceSelected(ctx context.Context, serviceID, domain string)
	StageCompleted(ctx context.Context, stage string, d time.Duration)
	ConfidenceScored(ctx context.Context, stage string, score float64)
}

// Error categories counted by the tracker.
const (
	CategoryDecomposition = "decomposition_failure"
	CategoryRouting       = "routing_unavailable"
	CategoryTimeout       = "service_timeout"
	CategoryServiceFail   = "service_failure"
	CategoryCircuitOpen   = "circuit_open"
	CategorySynthesis     = "synthesis_failure"
	CategoryCancelled     = "cancelled"
	CategoryInternal      = "internal"
)

// ErrorCategory classifies err for metrics.
func ErrorCategory(err error) string {
	switch {
	case errors.Is(err, domain.ErrDecompositionFailure):
		return CategoryDecomposition
	case errors.Is(err, domain.ErrRoutingUnavailable):
		return CategoryRouting
	case errors.Is(err, domain.ErrServiceTimeout):
		return CategoryTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return CategoryCircuitOpen
	case errors.Is(err, domain.ErrServiceFailure):
		return CategoryServiceFail
	case errors.Is(err, domain.ErrSynthesisFailure):
		return CategorySynthesis
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		return CategoryCancelled
	}
	return CategoryInternal
}

// maxTrackedTasks bounds the per-task records kept in memory. Aggregates are
// unaffected by eviction.
const maxTrackedTasks = 1000

// TaskMetrics is the per-task record.
type TaskMetrics struct {
	TaskID            string             `json:"task_id"`
	Status            string             `json:"status"`
	StageDurationsMS  map[string]int64   `json:"stage_durations_ms"`
	ServiceSelections map[string]int     `json:"service_selections"`
	Confidence        map[string]float64 `json:"confidence"`
	Retries           map[string]int     `json:"retries"` // by subtask id
	Fallbacks         int                `json:"fallbacks"`
	Escalated         bool               `json:"escalated"`
	EscalationStage   string             `json:"escalation_stage,omitempty"`
	Errors            map[string]int     `json:"errors"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
}

func newTaskMetrics(id string, now time.Time) *TaskMetrics {
	return &TaskMetrics{
		TaskID:            id,
		StageDurationsMS:  make(map[string]int64),
		ServiceSelections: make(map[string]int),
		Confidence:        make(map[string]float64),
		Retries:           make(map[string]int),
		Errors:            make(map[string]int),
		StartedAt:         now,
	}
}

func (m *TaskMetrics) clone() *TaskMetrics {
	out := *m
	out.StageDurationsMS = cloneMap(m.StageDurationsMS)
	out.ServiceSelections = cloneMap(m.ServiceSelections)
	out.Confidence = cloneMap(m.Confidence)
	out.Retries = cloneMap(m.Retries)
	out.Errors = cloneMap(m.Errors)
	return &out
}

// Snapshot is the aggregate view across all tasks since the last reset.
type Snapshot struct {
	TasksStarted       int64              `json:"tasks_started"`
	TasksCompleted     int64              `json:"tasks_completed"`
	TasksFailed        int64              `json:"tasks_failed"`
	TasksEscalated     int64              `json:"tasks_escalated"`
	TasksInFlight      int64              `json:"tasks_in_flight"`
	EscalationRate     float64            `json:"escalation_rate"`
	FailureRate        float64            `json:"failure_rate"`
	AvgStageDurationMS map[string]float64 `json:"avg_stage_duration_ms"`
	AvgConfidence      map[string]float64 `json:"avg_confidence"`
	ServiceSelections  map[string]int64   `json:"service_selections"`
	ErrorsByCategory   map[string]int64   `json:"errors_by_category"`
	TotalRetries       int64              `json:"total_retries"`
	TotalFallbacks     int64              `json:"total_fallbacks"`
	Since              time.Time          `json:"since"`
}

type mean struct {
	sum   float64
	count int64
}

func (m *mean) add(v float64) { m.sum += v; m.count++ }

func (m mean) value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// MetricsTracker records pipeline observations per task and in aggregate.
// Counters only grow until Reset.
type MetricsTracker struct {
	mu        sync.Mutex
	telemetry Telemetry
	now       func() time.Time

	tasks map[string]*TaskMetrics
	order []string

	started, completed, failed, escalated int64
	retries, fallbacks                    int64
	stageDur                              map[string]*mean
	conf                                  map[string]*mean
	selections                            map[string]int64
	errs                                  map[string]int64
	since                                 time.Time
}

// NewMetricsTracker creates a tracker. telemetry may be nil.
func NewMetricsTracker(telemetry Telemetry) *MetricsTracker {
	m := &MetricsTracker{telemetry: telemetry, now: time.Now}
	m.resetLocked()
	return m
}

func (m *MetricsTracker) resetLocked() {
	m.tasks = make(map[string]*TaskMetrics)
	m.order = nil
	m.started, m.completed, m.failed, m.escalated = 0, 0, 0, 0
	m.retries, m.fallbacks = 0, 0
	m.stageDur = make(map[string]*mean)
	m.conf = make(map[string]*mean)
	m.selections = make(map[string]int64)
	m.errs = make(map[string]int64)
	m.since = m.now().UTC()
}

// Reset clears every counter and per-task record.
func (m *MetricsTracker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// task returns the record for id, creating it if needed. Must hold m.mu.
func (m *MetricsTracker) task(id string) *TaskMetrics {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := newTaskMetrics(id, m.now().UTC())
	m.tasks[id] = t
	m.order = append(m.order, id)
	if len(m.order) > maxTrackedTasks {
		delete(m.tasks, m.order[0])
		m.order = m.order[1:]
	}
	return t
}

// StartTask counts a submitted task.
func (m *MetricsTracker) StartTask(ctx context.Context, taskID string) {
	m.mu.Lock()
	m.task(taskID)
	m.started++
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.TaskStarted(ctx)
	}
}

// RecordStage records how long a stage took for a task.
func (m *MetricsTracker) RecordStage(ctx context.Context, taskID, stage string, d time.Duration) {
	m.mu.Lock()
	m.task(taskID).StageDurationsMS[stage] += d.Milliseconds()
	avg := m.stageDur[stage]
	if avg == nil {
		avg = &mean{}
		m.stageDur[stage] = avg
	}
	avg.add(float64(d.Milliseconds()))
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.StageCompleted(ctx, stage, d)
	}
}

// RecordSelection counts a service chosen for a subtask.
func (m *MetricsTracker) RecordSelection(ctx context.Context, taskID, serviceID, domainName string) {
	m.mu.Lock()
	m.task(taskID).ServiceSelections[serviceID]++
	m.selections[serviceID]++
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.ServiceSelected(ctx, serviceID, domainName)
	}
}

// RecordConfidence records the score at one checkpoint.
func (m *MetricsTracker) RecordConfidence(ctx context.Context, taskID, stage string, score float64) {
	m.mu.Lock()
	m.task(taskID).Confidence[stage] = score
	avg := m.conf[stage]
	if avg == nil {
		avg = &mean{}
		m.conf[stage] = avg
	}
	avg.add(score)
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.ConfidenceScored(ctx, stage, score)
	}
}

// RecordRetry counts one retry of a subtask against a service.
func (m *MetricsTracker) RecordRetry(ctx context.Context, taskID, subtaskID, serviceID string) {
	m.mu.Lock()
	m.task(taskID).Retries[subtaskID]++
	m.retries++
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.Retry(ctx, serviceID)
	}
}

// RecordFallback counts a subtask handed to an alternate service.
func (m *MetricsTracker) RecordFallback(ctx context.Context, taskID, fromServiceID, toServiceID string) {
	m.mu.Lock()
	m.task(taskID).Fallbacks++
	m.fallbacks++
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.Fallback(ctx, fromServiceID, toServiceID)
	}
}

// RecordEscalation marks a task as escalated at stage.
func (m *MetricsTracker) RecordEscalation(_ context.Context, taskID, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.task(taskID)
	t.Escalated = true
	t.EscalationStage = stage
}

// RecordError counts one error of the given category.
func (m *MetricsTracker) RecordError(_ context.Context, taskID, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.task(taskID).Errors[category]++
	m.errs[category]++
}

// FinishTask records the terminal status of a task.
func (m *MetricsTracker) FinishTask(ctx context.Context, taskID, status string) {
	m.mu.Lock()
	t := m.task(taskID)
	if t.FinishedAt == nil {
		now := m.now().UTC()
		t.FinishedAt = &now
		switch status {
		case "completed":
			m.completed++
		case "failed":
			m.failed++
		case "escalated":
			m.escalated++
		}
	}
	t.Status = status
	m.mu.Unlock()
	if m.telemetry != nil {
		m.telemetry.TaskFinished(ctx, status)
	}
}

// Task returns a copy of the per-task record.
func (m *MetricsTracker) Task(taskID string) (*TaskMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Snapshot returns the aggregate view.
func (m *MetricsTracker) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		TasksStarted:       m.started,
		TasksCompleted:     m.completed,
		TasksFailed:        m.failed,
		TasksEscalated:     m.escalated,
		TotalRetries:       m.retries,
		TotalFallbacks:     m.fallbacks,
		AvgStageDurationMS: make(map[string]float64, len(m.stageDur)),
		AvgConfidence:      make(map[string]float64, len(m.conf)),
		ServiceSelections:  cloneMap(m.selections),
		ErrorsByCategory:   cloneMap(m.errs),
		Since:              m.since,
	}
	finished := m.completed + m.failed + m.escalated
	s.TasksInFlight = max(m.started-finished, 0)
	if finished > 0 {
		s.EscalationRate = float64(m.escalated) / float64(finished)
		s.FailureRate = float64(m.failed) / float64(finished)
	}
	for k, v := range m.stageDur {
		s.AvgStageDurationMS[k] = v.value()
	}
	for k, v := range m.conf {
		s.AvgConfidence[k] = v.value()
	}
	return s
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
