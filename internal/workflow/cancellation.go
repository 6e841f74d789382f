package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionStatus is the lifecycle state CancellationManager tracks for
// one in-flight run, distinct from TaskStatus which applies per task.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// CancellableExecution pairs an Execution with the context.CancelFunc
// that can stop it.
type CancellableExecution struct {
	Exec         *Execution
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	Status       ExecutionStatus
}

// CancellationManager lets an operator cancel a whole workflow run by ID.
// This cancels the ctx passed to Engine.Execute, which only ever bounds
// individual task bodies via context.WithTimeout, since the dagflow core
// beneath it has no mid-run cancellation of a task it has already
// claimed. A cancelled run therefore stops scheduling the effects of
// newly-started tasks as soon as their context deadline trips, but a task
// already inside executor.Execute runs to whatever conclusion that call
// reaches on its own.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*CancellableExecution

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs an empty manager.
func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("swarm_workflow_cancellations_total")
	return &CancellationManager{
		active:        make(map[string]*CancellableExecution),
		cancellations: cancellations,
		tracer:        otel.Tracer("dagflowd-cancellation"),
	}
}

// Register begins tracking exec under executionID as cancellable via
// cancel.
func (cm *CancellationManager) Register(executionID string, exec *Execution, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[executionID] = &CancellableExecution{Exec: exec, CancelFunc: cancel, Status: ExecutionRunning}
}

// Cancel invokes the registered cancel func for executionID and marks it
// cancelled.
func (cm *CancellationManager) Cancel(ctx context.Context, executionID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.active[executionID]
	if !ok {
		return fmt.Errorf("execution not found or already completed: %s", executionID)
	}
	if c.Status != ExecutionRunning {
		return fmt.Errorf("execution is not running: %s (status: %s)", executionID, c.Status)
	}

	c.CancelFunc()
	c.CancelReason = reason
	c.CancelledAt = time.Now()
	c.Status = ExecutionCancelled

	c.Exec.mu.Lock()
	c.Exec.Status = TaskFailed
	c.Exec.EndTime = time.Now()
	c.Exec.mu.Unlock()

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", c.Exec.WorkflowName),
		attribute.String("reason", reason),
	))
	span.AddEvent("execution_cancelled")
	return nil
}

// Complete marks executionID with its terminal status; it remains
// queryable until Cleanup evicts it. A run that was already cancelled
// keeps its cancelled status even though the failed execution result
// arrives afterwards.
func (cm *CancellationManager) Complete(executionID string, status ExecutionStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.active[executionID]; ok && c.Status != ExecutionCancelled {
		c.Status = status
	}
}

// GetStatus returns executionID's current status, if tracked.
func (cm *CancellationManager) GetStatus(executionID string) (ExecutionStatus, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.active[executionID]
	if !ok {
		return "", false
	}
	return c.Status, true
}

// ListActive returns every execution currently in ExecutionRunning.
func (cm *CancellationManager) ListActive() []*CancellableExecution {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	active := make([]*CancellableExecution, 0)
	for _, c := range cm.active {
		if c.Status == ExecutionRunning {
			active = append(active, c)
		}
	}
	return active
}

// Cleanup evicts terminal executions older than retention, returning the
// count removed.
func (cm *CancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, c := range cm.active {
		if c.Status == ExecutionRunning {
			continue
		}
		completedAt := c.Exec.EndTime
		if c.Status == ExecutionCancelled {
			completedAt = c.CancelledAt
		}
		// A terminal run that never recorded an end time (e.g. one that
		// failed workflow validation) is evicted immediately rather than
		// kept forever.
		if completedAt.IsZero() || now.Sub(completedAt) > retention {
			delete(cm.active, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs Cleanup on a fixed interval until ctx is done.
func (cm *CancellationManager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Cleanup(retention)
		}
	}
}

// CancelAll cancels every running execution, for use during shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cancelled := 0
	for id, c := range cm.active {
		if c.Status == ExecutionRunning {
			c.CancelFunc()
			c.CancelReason = reason
			c.CancelledAt = time.Now()
			c.Status = ExecutionCancelled
			cm.cancellations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("workflow", c.Exec.WorkflowName),
				attribute.String("reason", reason),
			))
			cancelled++
		}
		delete(cm.active, id)
	}
	return cancelled
}

// Metrics returns a snapshot of tracked-execution counts by status.
func (cm *CancellationManager) Metrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := map[string]int{"total": len(cm.active), "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	for _, c := range cm.active {
		switch c.Status {
		case ExecutionRunning:
			out["running"]++
		case ExecutionCompleted:
			out["completed"]++
		case ExecutionFailed:
			out["failed"]++
		case ExecutionCancelled:
			out["cancelled"]++
		}
	}
	return out
}
