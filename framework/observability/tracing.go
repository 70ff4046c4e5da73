// Copyright 2024 Potter Framework Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName имя tracer для компонентов платформы
const TracerName = "fincore"

// TracingConfig конфигурация для distributed tracing
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Exporter         string // "jaeger", "zipkin", "otlp", "stdout"
	ExporterEndpoint string
	SamplingRate     float64 // 0.0 - 1.0
	Environment      string  // "development", "staging", "production"
}

// TracingManager менеджер для distributed tracing
type TracingManager struct {
	config   TracingConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	running  bool
	mu       sync.RWMutex
}

// NewTracingManager создает новый TracingManager.
// Propagator W3C trace context устанавливается всегда, чтобы заголовки traceparent пробрасывались в upstream.
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !config.Enabled {
		return &TracingManager{config: config, tracer: otel.Tracer(TracerName)}, nil
	}

	// Создание resource attributes
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Настройка sampler
	sampler := sdktrace.TraceIDRatioBased(config.SamplingRate)
	if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.SamplingRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	return &TracingManager{
		config:   config,
		tracer:   tp.Tracer(TracerName),
		provider: tp,
	}, nil
}

// createExporter создает exporter на основе конфигурации
func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.ExporterEndpoint)))
	case "zipkin":
		return zipkin.New(config.ExporterEndpoint)
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(config.ExporterEndpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown tracing exporter: %s", config.Exporter)
	}
}

// Start запускает tracing (lifecycle)
func (tm *TracingManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = true
	tm.mu.Unlock()
	return nil
}

// Stop останавливает tracing с graceful shutdown
func (tm *TracingManager) Stop(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = false
	tm.mu.Unlock()

	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// IsRunning проверяет статус
func (tm *TracingManager) IsRunning() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.running
}

// Tracer возвращает tracer для создания spans
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// HTTPTracingMiddleware Gin middleware для автоматической инструментации HTTP requests
func HTTPTracingMiddleware(serviceName string) gin.HandlerFunc {
	tracer := otel.Tracer(serviceName)
	return func(c *gin.Context) {
		// Извлечение trace context из headers
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.target", c.Request.URL.Path),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
	}
}

// TraceJob обертка для запуска workflow job с автоматической инструментацией
func TraceJob(ctx context.Context, workflowType, jobID string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(TracerName).Start(ctx, fmt.Sprintf("job.%s", workflowType))
	defer span.End()

	span.SetAttributes(
		attribute.String("job.workflow_type", workflowType),
		attribute.String("job.id", jobID),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceEvent обертка для публикации событий с автоматической инструментацией
func TraceEvent(ctx context.Context, eventType string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(TracerName).Start(ctx, fmt.Sprintf("event.%s", eventType))
	defer span.End()

	span.SetAttributes(attribute.String("event.type", eventType))

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
