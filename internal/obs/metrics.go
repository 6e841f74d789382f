package obs

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

// Metrics holds the workflow layer's OpenTelemetry instruments, named to
// match the platform's existing swarm_workflow_* metric family.
type Metrics struct {
	TaskDuration metric.Float64Histogram
	TaskRetries  metric.Int64Counter
	TaskFailures metric.Int64Counter
	CacheHits    metric.Int64Counter
	CacheMisses  metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns a
// shutdown func plus the instrument bundle. If the exporter cannot be
// constructed, metrics fall back to a no-op global provider and the
// returned instruments are still valid (recording into them is then a
// no-op per the otel API contract).
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createInstruments()
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createInstruments()
}

func createInstruments() Metrics {
	meter := otel.Meter("dagflowd")

	dur, _ := meter.Float64Histogram("swarm_workflow_task_duration_ms")
	retries, _ := meter.Int64Counter("swarm_workflow_task_retries_total")
	failures, _ := meter.Int64Counter("swarm_workflow_task_failures_total")
	hits, _ := meter.Int64Counter("swarm_workflow_cache_hits_total")
	misses, _ := meter.Int64Counter("swarm_workflow_cache_misses_total")

	return Metrics{
		TaskDuration: dur,
		TaskRetries:  retries,
		TaskFailures: failures,
		CacheHits:    hits,
		CacheMisses:  misses,
	}
}
