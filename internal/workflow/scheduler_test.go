package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Store, *fakeExecutor) {
	t.Helper()
	store := newTestStore(t)
	engine := NewEngine(2, testMetrics())
	executor := newFakeExecutor(func(task Task, attempt int) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	sched := NewScheduler(store, engine, executor, otel.Meter("workflow-scheduler-test"))
	return sched, store, executor
}

func TestSchedulerRejectsConfigWithoutTrigger(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	err := sched.AddSchedule(context.Background(), &ScheduleConfig{WorkflowName: "none", Enabled: true})
	if !errors.Is(err, ErrScheduleConflict) {
		t.Fatalf("err = %v, want ErrScheduleConflict", err)
	}
}

func TestSchedulerEventTriggerDispatchesWorkflow(t *testing.T) {
	sched, store, executor := newTestScheduler(t)
	ctx := context.Background()

	wf := Workflow{Name: "on-deploy", Tasks: []Task{{ID: "notify", Type: TaskHTTP}}}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put workflow: %v", err)
	}

	cfg := &ScheduleConfig{
		WorkflowName: "on-deploy",
		EventType:    "deploy.completed",
		EventFilter:  map[string]any{"env": "prod"},
		Enabled:      true,
	}
	if err := sched.AddSchedule(ctx, cfg); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	if err := sched.TriggerEvent(ctx, "deploy.completed", map[string]any{"env": "staging"}); err != nil {
		t.Fatalf("trigger (non-matching): %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if executor.count("notify") != 0 {
		t.Fatalf("non-matching filter should not have triggered the workflow")
	}

	if err := sched.TriggerEvent(ctx, "deploy.completed", map[string]any{"env": "prod"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	waitFor(t, func() bool { return executor.count("notify") == 1 })
}

func TestSchedulerMaxConcurrentEventRuns(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()

	var inFlight, maxSeen atomic.Int64
	blocking := newFakeExecutor(nil)
	blocking.fn = func(task Task, attempt int) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	}
	sched.executor = blocking

	wf := Workflow{Name: "bursty", Tasks: []Task{{ID: "a", Type: TaskHTTP}}}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put workflow: %v", err)
	}

	cfg := &ScheduleConfig{WorkflowName: "bursty", EventType: "burst", Enabled: true, MaxConcurrent: 1}
	if err := sched.AddSchedule(ctx, cfg); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = sched.TriggerEvent(ctx, "burst", nil)
	}
	time.Sleep(200 * time.Millisecond)

	if maxSeen.Load() > 1 {
		t.Fatalf("max concurrent executions = %d, want <= 1", maxSeen.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
