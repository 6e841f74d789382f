package obs

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
)

// tracerName is the instrumentation scope every span in this process is
// recorded under; spans already carry their own operation name and
// attributes, so there's no need for it to vary per package.
const tracerName = "dagflowd"

// traceConfig collects the exporter settings InitTracer reads from the
// environment, so the setup below is just plumbing a struct rather than
// a string of os.Getenv calls threaded through the function body.
type traceConfig struct {
	endpoint    string
	sampleRatio float64
}

func loadTraceConfig() traceConfig {
	cfg := traceConfig{endpoint: "localhost:4317", sampleRatio: 1.0}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.endpoint = v
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.sampleRatio = ratio
		}
	}
	return cfg
}

// InitTracer configures a global tracer provider with an OTLP gRPC
// exporter and a parent-based ratio sampler. If the exporter can't be
// built, tracing falls back to a no-op provider rather than leaving the
// global provider partially configured, and the returned shutdown func
// is always safe to call.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	cfg := loadTraceConfig()

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed, tracing disabled", "error", err, "endpoint", cfg.endpoint)
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(service)))
	if err != nil {
		res = resource.Default()
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", cfg.endpoint, "sample_ratio", cfg.sampleRatio)
	return tp.Shutdown
}

// WithSpan starts a span named name, tagging it with any extra attrs,
// and returns the derived context along with a func that ends it.
// Callers that don't need attributes can omit the variadic argument.
func WithSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() { span.End() }
}
