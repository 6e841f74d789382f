package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(task Task, attempt int) (map[string]any, error)
}

func newFakeExecutor(fn func(task Task, attempt int) (map[string]any, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int), fn: fn}
}

func (f *fakeExecutor) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	f.mu.Lock()
	f.calls[task.ID]++
	attempt := f.calls[task.ID]
	f.mu.Unlock()
	return f.fn(task, attempt)
}

func (f *fakeExecutor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestEngineHTTPDiamond(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Task-ID"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ran": "%s"}`, r.Header.Get("X-Task-ID"))
	}))
	defer srv.Close()

	wf := Workflow{
		Name: "diamond",
		Tasks: []Task{
			{ID: "a", Type: TaskHTTP, URL: srv.URL},
			{ID: "b", Type: TaskHTTP, URL: srv.URL, DependsOn: []string{"a"}},
			{ID: "c", Type: TaskHTTP, URL: srv.URL, DependsOn: []string{"a"}},
			{ID: "d", Type: TaskHTTP, URL: srv.URL, DependsOn: []string{"b", "c"}},
		},
	}

	engine := NewEngine(4, testMetrics())
	registry := NewPluginRegistry(srv.Client())

	exec, err := engine.Execute(context.Background(), wf, registry)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != TaskCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		r, ok := exec.result(id)
		if !ok || r.Status != TaskCompleted {
			t.Fatalf("task %s result = %+v", id, r)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	pos := map[string]int{}
	for i, id := range seen {
		pos[id] = i
	}
	if pos["d"] < pos["b"] || pos["d"] < pos["c"] {
		t.Fatalf("d ran before its dependencies: order=%v", seen)
	}
}

func TestEngineRetryExhaustion(t *testing.T) {
	executor := newFakeExecutor(func(task Task, attempt int) (map[string]any, error) {
		return nil, fmt.Errorf("boom attempt %d", attempt)
	})

	wf := Workflow{Name: "retry-fail", Tasks: []Task{{ID: "a", Type: TaskHTTP}}}
	engine := NewEngine(2, testMetrics())

	exec, err := engine.Execute(context.Background(), wf, executor)
	if err == nil {
		t.Fatal("expected error from critical task failure")
	}
	r, ok := exec.result("a")
	if !ok || r.Status != TaskFailed {
		t.Fatalf("result = %+v", r)
	}
	if r.Attempts != DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("attempts = %d, want %d", r.Attempts, DefaultRetryPolicy().MaxAttempts)
	}
	if executor.count("a") != DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("executor called %d times, want %d", executor.count("a"), DefaultRetryPolicy().MaxAttempts)
	}
}

func TestEngineAllowFailureSkipsDownstream(t *testing.T) {
	executor := newFakeExecutor(func(task Task, attempt int) (map[string]any, error) {
		if task.ID == "a" {
			return nil, fmt.Errorf("a always fails")
		}
		return map[string]any{"ok": true}, nil
	})

	wf := Workflow{
		Name: "skip-chain",
		Tasks: []Task{
			{ID: "a", Type: TaskHTTP, AllowFailure: true},
			{ID: "b", Type: TaskHTTP, DependsOn: []string{"a"}},
			{ID: "c", Type: TaskHTTP, DependsOn: []string{"b"}},
		},
	}
	engine := NewEngine(2, testMetrics())

	exec, err := engine.Execute(context.Background(), wf, executor)
	if err != nil {
		t.Fatalf("execute: %v (a.AllowFailure should not surface as a workflow error)", err)
	}
	ra, _ := exec.result("a")
	if ra.Status != TaskFailed {
		t.Fatalf("a status = %s, want failed", ra.Status)
	}
	rb, _ := exec.result("b")
	if rb.Status != TaskSkipped {
		t.Fatalf("b status = %s, want skipped", rb.Status)
	}
	rc, _ := exec.result("c")
	if rc.Status != TaskSkipped {
		t.Fatalf("c status = %s, want skipped", rc.Status)
	}
	if executor.count("b") != 0 || executor.count("c") != 0 {
		t.Fatalf("skipped tasks should never invoke the executor: b=%d c=%d", executor.count("b"), executor.count("c"))
	}
}

func TestEngineCacheHitAcrossExecutions(t *testing.T) {
	var invocations atomic.Int64
	executor := newFakeExecutor(func(task Task, attempt int) (map[string]any, error) {
		invocations.Add(1)
		return map[string]any{"value": 42}, nil
	})

	wf := Workflow{Name: "cached", Tasks: []Task{{ID: "a", Type: TaskHTTP, Cacheable: true}}}
	engine := NewEngine(1, testMetrics())

	if _, err := engine.Execute(context.Background(), wf, executor); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := engine.Execute(context.Background(), wf, executor); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if n := invocations.Load(); n != 1 {
		t.Fatalf("executor invoked %d times, want 1 (second run should hit cache)", n)
	}
}
