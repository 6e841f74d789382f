package workflow

import (
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagflow/internal/obs"
)

// testMetrics builds an obs.Metrics bundle against the process-wide
// default (no-op) meter provider, so tests never try to dial a
// collector.
func testMetrics() obs.Metrics {
	meter := otel.Meter("workflow-test")
	dur, _ := meter.Float64Histogram("test_task_duration_ms")
	retries, _ := meter.Int64Counter("test_task_retries_total")
	failures, _ := meter.Int64Counter("test_task_failures_total")
	hits, _ := meter.Int64Counter("test_cache_hits_total")
	misses, _ := meter.Int64Counter("test_cache_misses_total")

	return obs.Metrics{
		TaskDuration: dur,
		TaskRetries:  retries,
		TaskFailures: failures,
		CacheHits:    hits,
		CacheMisses:  misses,
	}
}
