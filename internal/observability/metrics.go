package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MetricsManager struct {
	meter metric.Meter

	// Event metrics
	eventsProcessedTotal    metric.Int64Counter
	eventProcessingDuration metric.Float64Histogram
	eventErrorsTotal        metric.Int64Counter
	eventsPublishedTotal    metric.Int64Counter

	// System metrics
	processCPUSecondsTotal     metric.Float64Counter
	processResidentMemoryBytes metric.Int64UpDownCounter
	goGoroutines               metric.Int64UpDownCounter
	goMemstatsAllocBytes       metric.Int64UpDownCounter

	// Message broker metrics
	messageBrokerPublishDuration  metric.Float64Histogram
	messageBrokerConsumeDuration  metric.Float64Histogram
	messageBrokerConnectionErrors metric.Int64Counter

	// Orchestration session/task metrics
	sessionsActive          metric.Int64UpDownCounter
	sessionsCompletedTotal  metric.Int64Counter
	sessionDuration         metric.Float64Histogram
	tasksDispatchedTotal    metric.Int64Counter
	taskDispatchDuration    metric.Float64Histogram
	correlationTimeoutTotal metric.Int64Counter
	planningFallbacksTotal  metric.Int64Counter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	// Event metrics
	mm.eventsProcessedTotal, err = meter.Int64Counter(
		"events_processed_total",
		metric.WithDescription("Total number of events processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventProcessingDuration, err = meter.Float64Histogram(
		"event_processing_duration_seconds",
		metric.WithDescription("Event processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventErrorsTotal, err = meter.Int64Counter(
		"event_errors_total",
		metric.WithDescription("Total number of event processing errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsPublishedTotal, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of events published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	// System metrics
	mm.processCPUSecondsTotal, err = meter.Float64Counter(
		"process_cpu_seconds_total",
		metric.WithDescription("Total user and system CPU time spent in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.processResidentMemoryBytes, err = meter.Int64UpDownCounter(
		"process_resident_memory_bytes",
		metric.WithDescription("Resident memory size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	// Message broker metrics
	mm.messageBrokerPublishDuration, err = meter.Float64Histogram(
		"message_broker_publish_duration_seconds",
		metric.WithDescription("Message broker publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.messageBrokerConsumeDuration, err = meter.Float64Histogram(
		"message_broker_consume_duration_seconds",
		metric.WithDescription("Message broker consume duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.messageBrokerConnectionErrors, err = meter.Int64Counter(
		"message_broker_connection_errors_total",
		metric.WithDescription("Total number of message broker connection errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.sessionsActive, err = meter.Int64UpDownCounter(
		"orchestration_sessions_active",
		metric.WithDescription("Number of orchestration sessions currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.sessionsCompletedTotal, err = meter.Int64Counter(
		"orchestration_sessions_completed_total",
		metric.WithDescription("Total number of orchestration sessions that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.sessionDuration, err = meter.Float64Histogram(
		"orchestration_session_duration_seconds",
		metric.WithDescription("Orchestration session duration from accept to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.tasksDispatchedTotal, err = meter.Int64Counter(
		"orchestration_tasks_dispatched_total",
		metric.WithDescription("Total number of task.request events dispatched to agents"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.taskDispatchDuration, err = meter.Float64Histogram(
		"orchestration_task_dispatch_duration_seconds",
		metric.WithDescription("Time from task dispatch to a correlated task.response"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.correlationTimeoutTotal, err = meter.Int64Counter(
		"orchestration_correlation_timeouts_total",
		metric.WithDescription("Total number of correlation contexts that timed out waiting for responses"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.planningFallbacksTotal, err = meter.Int64Counter(
		"orchestration_planning_fallbacks_total",
		metric.WithDescription("Total number of times planning fell through to the fallback manager"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// Event metrics methods
func (mm *MetricsManager) IncrementEventsProcessed(ctx context.Context, eventType, source string, success bool) {
	mm.eventsProcessedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) RecordEventProcessingDuration(ctx context.Context, eventType, source string, duration time.Duration) {
	mm.eventProcessingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
	))
}

func (mm *MetricsManager) IncrementEventErrors(ctx context.Context, eventType, source, errorType string) {
	mm.eventErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("source", source),
		attribute.String("error", errorType),
	))
}

func (mm *MetricsManager) IncrementEventsPublished(ctx context.Context, eventType, destination string) {
	mm.eventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("destination", destination),
	))
}

// System metrics methods
func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
	mm.processResidentMemoryBytes.Add(ctx, int64(m.Sys))
}

// Message broker metrics methods
func (mm *MetricsManager) RecordBrokerPublishDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.messageBrokerPublishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) RecordBrokerConsumeDuration(ctx context.Context, topic string, duration time.Duration) {
	mm.messageBrokerConsumeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementBrokerConnectionErrors(ctx context.Context) {
	mm.messageBrokerConnectionErrors.Add(ctx, 1)
}

// Session metrics methods
func (mm *MetricsManager) SessionStarted(ctx context.Context) {
	mm.sessionsActive.Add(ctx, 1)
}

func (mm *MetricsManager) SessionFinished(ctx context.Context, finalState string, duration time.Duration) {
	mm.sessionsActive.Add(ctx, -1)
	mm.sessionsCompletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", finalState)))
	mm.sessionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("state", finalState)))
}

func (mm *MetricsManager) TaskDispatched(ctx context.Context, capability string) {
	mm.tasksDispatchedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
}

func (mm *MetricsManager) RecordTaskDispatchDuration(ctx context.Context, capability string, duration time.Duration) {
	mm.taskDispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("capability", capability)))
}

func (mm *MetricsManager) IncrementCorrelationTimeouts(ctx context.Context, kind string) {
	mm.correlationTimeoutTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (mm *MetricsManager) IncrementPlanningFallbacks(ctx context.Context, reason string) {
	mm.planningFallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Helper method to start timing an operation
func (mm *MetricsManager) StartTimer() func(ctx context.Context, eventType, source string) {
	start := time.Now()
	return func(ctx context.Context, eventType, source string) {
		duration := time.Since(start)
		mm.RecordEventProcessingDuration(ctx, eventType, source, duration)
	}
}
