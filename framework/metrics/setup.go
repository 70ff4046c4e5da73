// Package metrics предоставляет функции для настройки системы метрик.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// ExporterType prometheus или none
	ExporterType  string
	ResourceAttrs map[string]string
}

// SetupMetrics настраивает экспорт метрик.
// Prometheus exporter регистрируется в стандартном registry, который отдает /metrics.
func SetupMetrics(config *MetricsConfig) (*metric.MeterProvider, error) {
	if config == nil {
		config = &MetricsConfig{ExporterType: "prometheus"}
	}

	opts := make([]metric.Option, 0, 2)

	switch config.ExporterType {
	case "prometheus", "":
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(exporter))
	case "none":
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	// Создаем resource attributes
	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config.ResourceAttrs)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	opts = append(opts, metric.WithResource(res))

	provider := metric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return provider, nil
}

// buildResourceAttributes строит resource attributes
func buildResourceAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}

// ShutdownMetrics корректно завершает работу метрик
func ShutdownMetrics(ctx context.Context, provider *metric.MeterProvider) error {
	if provider == nil {
		return nil
	}

	return provider.Shutdown(ctx)
}
