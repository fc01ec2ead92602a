package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksRetried     metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
	QueueDepth       metric.Int64Gauge
	ScalingDecisions metric.Int64Counter
	PhaseTransitions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("apiforge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("apiforge.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("apiforge.task.completed",
		metric.WithDescription("Tasks that finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("apiforge.task.failed",
		metric.WithDescription("Tasks that failed permanently"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("apiforge.task.retried",
		metric.WithDescription("Tasks sent back to the queue for another attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("apiforge.pool.active_workers",
		metric.WithDescription("Workers currently processing a task"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge("apiforge.queue.depth",
		metric.WithDescription("Tasks waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ScalingDecisions, err = meter.Int64Counter("apiforge.scaler.decisions",
		metric.WithDescription("Scaling decisions by action"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseTransitions, err = meter.Int64Counter("apiforge.progressive.transitions",
		metric.WithDescription("Progressive scheduler phase transitions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTask records the outcome of one processing attempt. outcome is one of
// completed, failed or retried.
func (m *Metrics) RecordTask(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	switch outcome {
	case "completed":
		m.TasksCompleted.Add(ctx, 1)
	case "failed":
		m.TasksFailed.Add(ctx, 1)
	case "retried":
		m.TasksRetried.Add(ctx, 1)
	}
}

func (m *Metrics) WorkerBusy(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, delta)
}

func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

func (m *Metrics) RecordScaling(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.ScalingDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) RecordPhaseTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordRequest records one gateway request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}
