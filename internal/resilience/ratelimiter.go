package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a fixed-window counter: it admits up to limit calls per
// window, then denies everything until the window rolls over. It trades
// the burst smoothing of a token bucket for a single comparison per
// call, which is all a plugin guard needs since the window itself
// already bounds worst-case burst to 2x limit at a boundary.
type RateLimiter struct {
	mu sync.Mutex

	name        string
	limit       int64
	window      time.Duration
	windowStart time.Time
	count       int64
}

// NewRateLimiter builds a limiter identified by name (used as a metric
// label) that admits at most limit calls per window, resetting its
// count whenever the window elapses.
func NewRateLimiter(name string, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &RateLimiter{
		name:        name,
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow reports whether one more call fits in the current window.
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN reports whether n more calls fit in the current window,
// admitting all n atomically or none of them.
func (rl *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.count = 0
	}

	if rl.count+n > rl.limit {
		rl.emitDrop()
		return false
	}
	rl.count += n
	return true
}

// ResetIn reports how much window-duration remains before the next
// reset, for callers that want to report retry-after style hints.
func (rl *RateLimiter) ResetIn() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	elapsed := time.Since(rl.windowStart)
	if elapsed >= rl.window {
		return 0
	}
	return rl.window - elapsed
}

func (rl *RateLimiter) emitDrop() {
	meter := otel.GetMeterProvider().Meter("dagflowd")
	counter, err := meter.Int64Counter("dagflow_rate_limiter_drops_total")
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("resource", rl.name)))
}
