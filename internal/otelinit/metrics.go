package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the common instruments shared by the scheduler, bus, and plugin runtime.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	TasksDispatched        metric.Int64Counter
	TasksSucceeded         metric.Int64Counter
	TasksFailed            metric.Int64Counter
	QueueDepth             metric.Int64UpDownCounter
	ExecutionDuration      metric.Float64Histogram
}

// InitMetrics sets up the global OTLP metrics exporter (push). Returns a shutdown function and
// the shared instrument set; instruments are always usable even if the exporter failed to start.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := resolveMetricsEndpoint()
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func resolveMetricsEndpoint() string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); v != "" {
		return v
	}
	return resolveEndpoint()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter(MeterName)
	retry, _ := meter.Int64Counter("taskscheduler_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("taskscheduler_resilience_circuit_open_total")
	dispatched, _ := meter.Int64Counter("taskscheduler_tasks_dispatched_total")
	succeeded, _ := meter.Int64Counter("taskscheduler_tasks_succeeded_total")
	failed, _ := meter.Int64Counter("taskscheduler_tasks_failed_total")
	depth, _ := meter.Int64UpDownCounter("taskscheduler_queue_depth")
	duration, _ := meter.Float64Histogram("taskscheduler_execution_duration_ms")
	return Metrics{
		RetryAttempts:          retry,
		CircuitOpenTransitions: circuit,
		TasksDispatched:        dispatched,
		TasksSucceeded:         succeeded,
		TasksFailed:            failed,
		QueueDepth:             depth,
		ExecutionDuration:      duration,
	}
}
