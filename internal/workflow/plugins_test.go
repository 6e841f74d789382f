package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolveTemplate(t *testing.T) {
	exec := newExecution("tmpl")
	exec.ID = "exec-1"
	exec.recordResult("fetch", &TaskResult{
		TaskID: "fetch",
		Status: TaskCompleted,
		Output: map[string]any{"user_id": "u-42"},
	})

	got := resolveTemplate("id={{fetch.user_id}} exec={{execution.id}} wf={{workflow.name}}", exec)
	want := "id=u-42 exec=exec-1 wf=tmpl"
	if got != want {
		t.Fatalf("resolveTemplate() = %q, want %q", got, want)
	}
}

func TestShellPluginRejectsUnlistedCommand(t *testing.T) {
	plugin := NewShellPlugin()
	exec := newExecution("shell")
	_, err := plugin.Execute(context.Background(), Task{Script: "rm -rf /"}, exec)
	if err == nil {
		t.Fatal("expected unlisted command to be rejected")
	}
}

func TestShellPluginRunsWhitelistedCommand(t *testing.T) {
	plugin := NewShellPlugin()
	exec := newExecution("shell")
	out, err := plugin.Execute(context.Background(), Task{Script: "echo hello"}, exec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stdout, _ := out["stdout"].(string); stdout == "" {
		t.Fatalf("expected stdout output, got %+v", out)
	}
}

func TestHTTPPluginPropagatesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	plugin := NewHTTPPlugin(srv.Client())
	exec := newExecution("http-err")
	exec.ID = "exec-err"
	_, err := plugin.Execute(context.Background(), Task{ID: "call", Type: TaskHTTP, URL: srv.URL}, exec)
	if err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestHTTPPluginOpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	plugin := NewHTTPPlugin(srv.Client())
	exec := newExecution("http-breaker")
	exec.ID = "exec-breaker"
	task := Task{ID: "call", Type: TaskHTTP, URL: srv.URL}

	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = plugin.Execute(context.Background(), task, exec)
		if lastErr != nil && strings.Contains(lastErr.Error(), "circuit open") {
			return
		}
	}
	t.Fatalf("expected circuit to open after repeated failures, last error: %v", lastErr)
}

func TestHTTPPluginParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":7}`))
	}))
	defer srv.Close()

	plugin := NewHTTPPlugin(srv.Client())
	exec := newExecution("http-ok")
	exec.ID = "exec-ok"
	out, err := plugin.Execute(context.Background(), Task{ID: "call", Type: TaskHTTP, URL: srv.URL}, exec)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["value"] != float64(7) {
		t.Fatalf("out = %+v", out)
	}
	if out["status_code"] != 200 {
		t.Fatalf("status_code = %v", out["status_code"])
	}
}
