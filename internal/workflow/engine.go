package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow"
	"github.com/swarmguard/dagflow/internal/obs"
)

// TaskExecutor performs the real work a Task describes.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error)
}

// Engine compiles a Workflow into a dagflow.Plan and drives it across a
// dagflow.Engine, wrapping every task body with result caching, retry,
// and OpenTelemetry instrumentation. It owns no long-lived dagflow.Engine:
// a fresh one is created and closed per Execute call, since workflow
// shapes (and therefore worker-pool sizing needs) vary run to run.
type Engine struct {
	maxWorkers   int
	defaultRetry RetryPolicy
	cache        *ResultCache
	metrics      obs.Metrics
	tracer       trace.Tracer
}

// NewEngine constructs an Engine that runs each workflow's plan across up
// to maxWorkers background goroutines (plus the caller), caching
// cacheable task results for up to 30 minutes across at most 1000 keys.
func NewEngine(maxWorkers int, metrics obs.Metrics) *Engine {
	return &Engine{
		maxWorkers:   maxWorkers,
		defaultRetry: DefaultRetryPolicy(),
		cache:        NewResultCache(1000, 30*time.Minute),
		metrics:      metrics,
		tracer:       otel.Tracer("dagflowd-workflow"),
	}
}

// ErrInvalidWorkflow wraps a dagflow builder error surfaced while
// compiling a Workflow's tasks into a Plan.
type ErrInvalidWorkflow struct {
	Err error
}

func (e *ErrInvalidWorkflow) Error() string { return fmt.Sprintf("invalid workflow: %v", e.Err) }
func (e *ErrInvalidWorkflow) Unwrap() error { return e.Err }

// ErrWorkflowNotFound is returned by callers resolving a workflow by name
// when the store has no definition under that name.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Execute compiles wf into a dagflow.Plan, runs it to completion, and
// returns the resulting Execution. A task whose direct dependency failed
// or was skipped is itself marked Skipped rather than invoked; the
// dependency ordering dagflow.Engine.Run guarantees means that check is
// always safe by the time a task's wrapped body runs. Execute returns an
// error if any task without AllowFailure ended in TaskFailed; every task
// still runs to completion first, since the underlying engine has no
// mid-run cancellation.
func (e *Engine) Execute(ctx context.Context, wf Workflow, executor TaskExecutor) (*Execution, error) {
	return e.ExecuteRun(ctx, NewRun(wf.Name), wf, executor)
}

// NewRun allocates the Execution record an ExecuteRun call will populate.
// Splitting allocation from execution lets a caller learn the execution
// ID up front, e.g. to register the run for cancellation before it
// starts.
func NewRun(workflowName string) *Execution {
	exec := newExecution(workflowName)
	exec.ID = newExecutionID(workflowName)
	return exec
}

// ExecuteRun is Execute with a caller-allocated Execution record from
// NewRun.
func (e *Engine) ExecuteRun(ctx context.Context, exec *Execution, wf Workflow, executor TaskExecutor) (*Execution, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(attribute.String("workflow", wf.Name)),
	)
	defer span.End()

	b := dagflow.NewBuilder()
	for _, task := range wf.Tasks {
		t := task
		if _, err := b.Add(t.ID, t.DependsOn, func() { e.runTask(ctx, t, exec, executor) }); err != nil {
			return nil, &ErrInvalidWorkflow{Err: err}
		}
	}
	plan, err := b.Build()
	if err != nil {
		return nil, &ErrInvalidWorkflow{Err: err}
	}

	engine := dagflow.NewEngine(e.maxWorkers)
	defer engine.Close()
	engine.Run(plan)

	exec.EndTime = time.Now()
	exec.Status = TaskCompleted

	var failure error
	for _, task := range wf.Tasks {
		r, ok := exec.result(task.ID)
		if ok && r.Status == TaskFailed && !task.AllowFailure && failure == nil {
			exec.Status = TaskFailed
			failure = fmt.Errorf("task %s failed: %s", task.ID, r.Error)
		}
	}
	return exec, failure
}

func (e *Engine) runTask(ctx context.Context, task Task, exec *Execution, executor TaskExecutor) {
	ctx, span := e.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("task_type", string(task.Type)),
		),
	)
	defer span.End()

	for _, dep := range task.DependsOn {
		if r, ok := exec.result(dep); ok && (r.Status == TaskFailed || r.Status == TaskSkipped) {
			exec.recordResult(task.ID, &TaskResult{
				TaskID:    task.ID,
				Status:    TaskSkipped,
				StartTime: time.Now(),
				EndTime:   time.Now(),
			})
			return
		}
	}

	var key string
	if task.Cacheable {
		key = cacheKey(task)
		if cached, found := e.cache.Get(key); found {
			span.AddEvent("cache_hit")
			e.metrics.CacheHits.Add(ctx, 1)
			exec.recordResult(task.ID, cached)
			return
		}
		e.metrics.CacheMisses.Add(ctx, 1)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result := &TaskResult{TaskID: task.ID, Status: TaskRunning, StartTime: time.Now()}
	policy := e.defaultRetry
	wait := policy.InitialWait
	var lastErr error

attempts:
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := executor.Execute(execCtx, task, exec)
		cancel()

		if err == nil {
			result.Status = TaskCompleted
			result.Output = output
			result.EndTime = time.Now()
			result.Duration = result.EndTime.Sub(result.StartTime)
			exec.recordResult(task.ID, result)
			if key != "" {
				e.cache.Put(key, result)
			}
			e.metrics.TaskDuration.Record(ctx, float64(result.Duration.Milliseconds()),
				metric.WithAttributes(
					attribute.String("workflow", exec.WorkflowName),
					attribute.String("task", task.ID),
					attribute.String("type", string(task.Type)),
				),
			)
			return
		}

		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		e.metrics.TaskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
		jitter := time.Duration(float64(wait) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break attempts
		case <-time.After(wait + jitter):
		}
		wait = time.Duration(float64(wait) * policy.Multiplier)
		if wait > policy.MaxWait {
			wait = policy.MaxWait
		}
	}

	result.Status = TaskFailed
	result.Error = lastErr.Error()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	exec.recordResult(task.ID, result)
	e.metrics.TaskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task.ID)))
}
