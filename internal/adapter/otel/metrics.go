package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics holds the orchestrator metric instruments.
type Metrics struct {
	TasksStarted      metric.Int64Counter
	TasksFinished     metric.Int64Counter // by status
	Retries           metric.Int64Counter
	Fallbacks         metric.Int64Counter
	ServiceSelections metric.Int64Counter
	StageDuration     metric.Float64Histogram
	Confidence        metric.Float64Histogram
}

// NewMetrics creates all metric instruments on mp, or on the global provider
// when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("conductor.tasks.started",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("conductor.tasks.finished",
		metric.WithDescription("Number of tasks that reached a terminal status"))
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("conductor.subtask.retries",
		metric.WithDescription("Number of subtask retry attempts"))
	if err != nil {
		return nil, err
	}

	m.Fallbacks, err = meter.Int64Counter("conductor.subtask.fallbacks",
		metric.WithDescription("Number of subtasks handed to an alternate service"))
	if err != nil {
		return nil, err
	}

	m.ServiceSelections, err = meter.Int64Counter("conductor.routing.selections",
		metric.WithDescription("Number of times a service was selected"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("conductor.stage.duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.Confidence, err = meter.Float64Histogram("conductor.confidence",
		metric.WithDescription("Confidence score at each checkpoint"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskStarted counts a submitted task.
func (m *Metrics) TaskStarted(ctx context.Context) {
	m.TasksStarted.Add(ctx, 1)
}

// TaskFinished counts a task reaching a terminal status.
func (m *Metrics) TaskFinished(ctx context.Context, status string) {
	m.TasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Retry counts one retry against a service.
func (m *Metrics) Retry(ctx context.Context, serviceID string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("service.id", serviceID)))
}

// Fallback counts a switch from one service to an alternate.
func (m *Metrics) Fallback(ctx context.Context, fromServiceID, toServiceID string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service.from", fromServiceID),
		attribute.String("service.to", toServiceID),
	))
}

// ServiceSelected counts a routing decision.
func (m *Metrics) ServiceSelected(ctx context.Context, serviceID, domain string) {
	m.ServiceSelections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service.id", serviceID),
		attribute.String("domain", domain),
	))
}

// StageCompleted records how long a stage took.
func (m *Metrics) StageCompleted(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// ConfidenceScored records a checkpoint score.
func (m *Metrics) ConfidenceScored(ctx context.Context, stage string, score float64) {
	m.Confidence.Record(ctx, score, metric.WithAttributes(attribute.String("stage", stage)))
}
