// Package workflow adapts the dagflow scheduling core into a JSON-declared
// workflow service: tasks whose bodies perform real side-effecting work
// (HTTP calls, shell/script execution, policy evaluation), wrapped with
// retry, result caching, and OpenTelemetry instrumentation before being
// handed to a dagflow.Engine for concurrent, dependency-ordered execution.
package workflow

import (
	"sync"
	"time"
)

// TaskType names a plugin kind a Task is dispatched to.
type TaskType string

const (
	TaskHTTP   TaskType = "http"
	TaskPython TaskType = "python"
	TaskShell  TaskType = "shell"
	TaskPolicy TaskType = "policy"
)

// Task is one JSON-declared unit of work in a Workflow.
type Task struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Cacheable    bool              `json:"cacheable,omitempty"`
	AllowFailure bool              `json:"allow_failure,omitempty"`

	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`

	Script string `json:"script,omitempty"`
	Policy string `json:"policy,omitempty"`
}

// Workflow is a named, ordered set of Tasks.
type Workflow struct {
	Name  string `json:"name"`
	Tasks []Task `json:"tasks"`
}

// TaskStatus is the outcome of one Task's execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskResult records one Task's execution outcome.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Status    TaskStatus     `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
}

// Execution tracks one run of a Workflow: per-task results and a shared
// context map that later tasks' template placeholders resolve against.
// The dependency ordering dagflow.Engine.Run guarantees is what lets a
// task safely read an earlier task's Context entry without its own lock
// on the read side. Context is still guarded because templating and
// result-recording can run from different goroutines during the same
// wave of independent tasks.
type Execution struct {
	ID           string                 `json:"id"`
	WorkflowName string                 `json:"workflow_name"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time"`
	Status       TaskStatus             `json:"status"`
	TaskResults  map[string]*TaskResult `json:"task_results"`
	Context      map[string]any         `json:"context"`

	mu sync.RWMutex
}

func newExecution(name string) *Execution {
	return &Execution{
		WorkflowName: name,
		StartTime:    time.Now(),
		Status:       TaskRunning,
		TaskResults:  make(map[string]*TaskResult),
		Context:      make(map[string]any),
	}
}

func (e *Execution) recordResult(taskID string, result *TaskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TaskResults[taskID] = result
	if result.Output != nil {
		e.Context[taskID] = result.Output
	}
}

func (e *Execution) result(taskID string) (*TaskResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.TaskResults[taskID]
	return r, ok
}

// SnapshotContext returns a shallow copy of the shared execution context,
// safe to read concurrently with in-flight tasks.
func (e *Execution) SnapshotContext() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out[k] = v
	}
	return out
}

// RetryPolicy is an exponential-backoff-with-jitter retry strategy applied
// per task.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	InitialWait time.Duration `json:"initial_wait"`
	MaxWait     time.Duration `json:"max_wait"`
	Multiplier  float64       `json:"multiplier"`
}

// DefaultRetryPolicy is the retry policy Engine applies to every task;
// Task has no field for overriding it per task.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}
