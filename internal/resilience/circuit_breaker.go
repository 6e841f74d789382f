package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CircuitBreaker is a three-state breaker keyed by consecutive failures
// rather than a statistical failure rate: a single flaky call cannot
// trip it, only an unbroken run of failureThreshold of them can. It
// reopens for business only after probesToClose half-open probes in a
// row succeed, so one lucky retry during an outage can't flip it back
// to closed prematurely.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	openDuration     time.Duration
	probesToClose    int

	state            breakerState
	consecutiveFails int
	openedAt         time.Time
	probesIssued     int
	probesOK         int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker builds a breaker identified by name (used as a metric
// label, not a registry key). It opens once failureThreshold consecutive
// calls fail, waits openDuration before admitting half-open probes, and
// requires probesToClose of those probes to succeed back-to-back before
// returning to closed. Any probe failure reopens it immediately.
func NewCircuitBreaker(name string, failureThreshold int, openDuration time.Duration, probesToClose int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if probesToClose <= 0 {
		probesToClose = 1
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		probesToClose:    probesToClose,
		state:            stateClosed,
	}
}

// Allow reports whether a call is currently permitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if time.Since(cb.openedAt) < cb.openDuration {
			return false
		}
		cb.state = stateHalfOpen
		cb.probesIssued, cb.probesOK = 0, 0
	}
	if cb.state == stateHalfOpen {
		if cb.probesIssued >= cb.probesToClose {
			return false
		}
		cb.probesIssued++
	}
	return true
}

// RecordResult records the outcome of a call that Allow most recently
// permitted.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		if success {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThreshold {
			cb.trip()
		}
	case stateHalfOpen:
		if !success {
			cb.trip()
			return
		}
		cb.probesOK++
		if cb.probesOK >= cb.probesToClose {
			cb.close()
		}
	case stateOpen:
		// A result arriving while open is a stray from a probe whose
		// window has since elapsed; nothing to update.
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = stateOpen
	cb.openedAt = time.Now()
	cb.consecutiveFails = 0
	cb.emit("dagflow_circuit_breaker_trips_total")
}

func (cb *CircuitBreaker) close() {
	cb.state = stateClosed
	cb.consecutiveFails = 0
	cb.emit("dagflow_circuit_breaker_recoveries_total")
}

func (cb *CircuitBreaker) emit(metricName string) {
	meter := otel.GetMeterProvider().Meter("dagflowd")
	counter, err := meter.Int64Counter(metricName)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("resource", cb.name)))
}
