// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName имя meter для всех инструментов платформы
const MeterName = "fincore"

// Metrics сборщик метрик приложения.
// Все методы безопасны для nil-получателя: компоненты без метрик просто их не пишут.
type Metrics struct {
	meter              metric.Meter
	upstreamAttempts   metric.Int64Counter
	upstreamDuration   metric.Float64Histogram
	circuitTransitions metric.Int64Counter
	rateLimited        metric.Int64Counter
	jobsTotal          metric.Int64Counter
	jobDuration        metric.Float64Histogram
	ticksSkipped       metric.Int64Counter
	eventsTotal        metric.Int64Counter
	transportTotal     metric.Int64Counter
	transportDuration  metric.Float64Histogram
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{meter: meter}
	var err error

	if m.upstreamAttempts, err = meter.Int64Counter(
		"gateway_upstream_attempts_total",
		metric.WithDescription("Total number of upstream attempts made by the gateway proxy"),
	); err != nil {
		return nil, err
	}

	if m.upstreamDuration, err = meter.Float64Histogram(
		"gateway_upstream_duration_seconds",
		metric.WithDescription("Upstream attempt duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.circuitTransitions, err = meter.Int64Counter(
		"circuit_transitions_total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}

	if m.rateLimited, err = meter.Int64Counter(
		"rate_limited_total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}

	if m.jobsTotal, err = meter.Int64Counter(
		"workflow_jobs_total",
		metric.WithDescription("Total number of workflow job runs by outcome"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"workflow_job_duration_seconds",
		metric.WithDescription("Workflow job run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ticksSkipped, err = meter.Int64Counter(
		"scheduler_ticks_skipped_total",
		metric.WithDescription("Total number of scheduler ticks skipped because a previous tick was still running"),
	); err != nil {
		return nil, err
	}

	if m.eventsTotal, err = meter.Int64Counter(
		"events_total",
		metric.WithDescription("Total number of events published"),
	); err != nil {
		return nil, err
	}

	if m.transportTotal, err = meter.Int64Counter(
		"transport_messages_total",
		metric.WithDescription("Total number of messages published to the broker"),
	); err != nil {
		return nil, err
	}

	if m.transportDuration, err = meter.Float64Histogram(
		"transport_duration_seconds",
		metric.WithDescription("Broker publish duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordUpstreamAttempt записывает попытку запроса к upstream сервису
func (m *Metrics) RecordUpstreamAttempt(ctx context.Context, service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	)
	m.upstreamAttempts.Add(ctx, 1, attrs)
	m.upstreamDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCircuitTransition записывает смену состояния circuit breaker
func (m *Metrics) RecordCircuitTransition(ctx context.Context, service, from, to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordRateLimited записывает отклоненный лимитером запрос
func (m *Metrics) RecordRateLimited(ctx context.Context, plan, window string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plan", plan),
		attribute.String("window", window),
	))
}

// RecordJob записывает результат запуска workflow job
func (m *Metrics) RecordJob(ctx context.Context, workflowType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow_type", workflowType),
		attribute.String("outcome", outcome),
	)
	m.jobsTotal.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTickSkipped записывает пропущенный тик планировщика
func (m *Metrics) RecordTickSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ticksSkipped.Add(ctx, 1)
}

// RecordEvent записывает метрику события
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordTransport записывает метрику публикации в брокер
func (m *Metrics) RecordTransport(ctx context.Context, transport string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.Bool("success", success),
	)
	m.transportTotal.Add(ctx, 1, attrs)
	m.transportDuration.Record(ctx, duration.Seconds(), attrs)
}
