package workflow

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir, otel.Meter("workflow-store-test"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreWorkflowRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := Workflow{Name: "example", Tasks: []Task{{ID: "a", Type: TaskHTTP}}}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := store.GetWorkflow(ctx, "example")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Name != wf.Name || len(got.Tasks) != 1 {
		t.Fatalf("got = %+v", got)
	}

	if _, found, _ := store.GetWorkflow(ctx, "missing"); found {
		t.Fatal("expected missing workflow to not be found")
	}
}

func TestStoreWorkflowVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := Workflow{Name: "versioned", Tasks: []Task{{ID: "a"}}}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	wf.Tasks = append(wf.Tasks, Task{ID: "b", DependsOn: []string{"a"}})
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	versions, err := store.GetWorkflowVersions(ctx, "versioned", 10)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 archived version, got %d", len(versions))
	}
	if len(versions[0].Tasks) != 1 {
		t.Fatalf("archived version should have the pre-update task list, got %d tasks", len(versions[0].Tasks))
	}
}

func TestStoreDeleteWorkflowArchives(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := Workflow{Name: "doomed", Tasks: []Task{{ID: "a"}}}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteWorkflow(ctx, "doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.GetWorkflow(ctx, "doomed"); found {
		t.Fatal("expected deleted workflow to be gone")
	}
	if n, _ := store.Stats()["versions_count"].(int); n != 1 {
		t.Fatalf("expected the deleted definition archived in the versions bucket, got %d entries", n)
	}
}

func TestStoreExecutionRoundTripAndListing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		exec := newExecution("batch")
		exec.ID = newExecutionID("batch")
		exec.StartTime = base.Add(time.Duration(i) * time.Second)
		if err := store.PutExecution(ctx, exec); err != nil {
			t.Fatalf("put execution %d: %v", i, err)
		}
	}

	got, err := store.ListExecutions(ctx, "batch", base.Add(-time.Minute), base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartTime.Before(got[i-1].StartTime) {
			t.Fatal("executions should be ordered oldest-first")
		}
	}
}

func TestStoreListWorkflowsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := string(rune('a' + i))
		if err := store.PutWorkflow(ctx, Workflow{Name: name}); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	all, err := store.ListWorkflows(ctx, 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 workflows, got %d", len(all))
	}

	page, err := store.ListWorkflows(ctx, 2, 0)
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}
