// Package resilience provides the rate limiting, circuit-breaking, and
// retry primitives the workflow engine's plugins guard external calls
// with.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// retryJitterFraction bounds backoff jitter to +/-25% of the computed
// delay, rather than redrawing the whole delay uniformly at random:
// it keeps the expected wait close to the exponential curve while
// still breaking up synchronized retries across callers.
const retryJitterFraction = 0.25

// Retry executes fn with exponential backoff, doubling delay on each
// attempt up to a 60s cap and jittering it by +/-25% to avoid
// thundering-herd retries. It returns fn's last error if attempts are
// exhausted, or ctx.Err() if ctx is canceled while sleeping.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("dagflowd")
	attemptHist, _ := meter.Int64Histogram("dagflow_retry_attempts")

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if err == nil {
			attemptHist.Record(ctx, int64(i+1))
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}

		if err := sleepBackoff(ctx, delay, i); err != nil {
			attemptHist.Record(ctx, int64(i+1))
			return zero, err
		}
	}

	attemptHist.Record(ctx, int64(attempts))
	return zero, lastErr
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	d := backoffDelay(base, attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// backoffDelay computes base * 2^attempt, capped at 60s, then applies
// +/-25% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const cap = 60 * time.Second
	scaled := float64(base) * math.Pow(2, float64(attempt))
	if scaled > float64(cap) {
		scaled = float64(cap)
	}
	jitter := scaled * retryJitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter only, not security sensitive
	scaled += jitter
	if scaled < 0 {
		scaled = 0
	}
	return time.Duration(scaled)
}
