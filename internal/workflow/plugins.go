package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	osExec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/resilience"
)

// PluginRegistry routes a Task to the TaskExecutor registered for its
// Type. Unknown types surface as a plain error rather than a dead stub.
type PluginRegistry struct {
	executors map[TaskType]TaskExecutor
	tracer    trace.Tracer
}

// NewPluginRegistry returns a registry with the built-in plugins
// registered: HTTP, Python script, shell, and policy evaluation.
func NewPluginRegistry(httpClient *http.Client) *PluginRegistry {
	pr := &PluginRegistry{
		executors: make(map[TaskType]TaskExecutor),
		tracer:    otel.Tracer("dagflowd-plugins"),
	}
	pr.Register(TaskHTTP, NewHTTPPlugin(httpClient))
	pr.Register(TaskPython, NewScriptPlugin())
	pr.Register(TaskShell, NewShellPlugin())
	pr.Register(TaskPolicy, NewPolicyPlugin(""))
	return pr
}

// Register installs executor as the handler for taskType, replacing any
// previous registration.
func (pr *PluginRegistry) Register(taskType TaskType, executor TaskExecutor) {
	pr.executors[taskType] = executor
}

// Execute implements TaskExecutor by dispatching to the registered
// plugin for task.Type.
func (pr *PluginRegistry) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	executor, ok := pr.executors[task.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported task type: %s", task.Type)
	}

	ctx, span := pr.tracer.Start(ctx, "plugin.execute",
		trace.WithAttributes(
			attribute.String("plugin_type", string(task.Type)),
			attribute.String("task_id", task.ID),
		),
	)
	defer span.End()

	return executor.Execute(ctx, task, exec)
}

// HTTPPlugin issues an HTTP call, resolving {{task.field}} placeholders
// against the execution's shared context and propagating trace context
// via the standard OpenTelemetry text-map propagator. Every call is
// guarded by a shared rate limiter and circuit breaker so one
// misbehaving downstream endpoint cannot monopolize the worker pool or
// be hammered during an outage.
type HTTPPlugin struct {
	client  *http.Client
	tracer  trace.Tracer
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPPlugin builds an HTTPPlugin. A nil client gets a pooled default
// with a 30s timeout. The plugin allows at most 150 requests/second and
// opens its breaker after 10 consecutive failures, probing again after
// 5s and requiring 3 clean probes before resuming normal traffic.
func NewHTTPPlugin(client *http.Client) *HTTPPlugin {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPPlugin{
		client:  client,
		tracer:  otel.Tracer("dagflowd-plugin-http"),
		limiter: resilience.NewRateLimiter("http", 150, time.Second),
		breaker: resilience.NewCircuitBreaker("http", 10, 5*time.Second, 3),
	}
}

func (hp *HTTPPlugin) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	ctx, span := hp.tracer.Start(ctx, "http.execute",
		trace.WithAttributes(
			attribute.String("url", task.URL),
			attribute.String("method", task.Method),
		),
	)
	defer span.End()

	if !hp.limiter.Allow() {
		return nil, fmt.Errorf("http plugin: rate limit exceeded for task %s", task.ID)
	}
	if !hp.breaker.Allow() {
		return nil, fmt.Errorf("http plugin: circuit open for task %s", task.ID)
	}

	result, err := hp.doRequest(ctx, task, exec)
	hp.breaker.RecordResult(err == nil)
	return result, err
}

func (hp *HTTPPlugin) doRequest(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	url := resolveTemplate(task.URL, exec)

	var body io.Reader
	if task.Body != nil {
		bodyJSON, err := json.Marshal(task.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(resolveTemplate(string(bodyJSON), exec))
	}

	method := task.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Execution-ID", exec.ID)
	req.Header.Set("X-Task-ID", task.ID)
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := hp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result = parsed
			result["status_code"] = resp.StatusCode
		} else {
			result["body"] = string(respBody)
		}
	}
	return result, nil
}

// ScriptPlugin writes a task's script to a temp file prefixed with the
// execution's shared context as a JSON variable and runs it with python3
// (or $DAGFLOW_PYTHON_PATH), killing the process if ctx is canceled.
type ScriptPlugin struct {
	pythonPath string
	tracer     trace.Tracer
}

func NewScriptPlugin() *ScriptPlugin {
	path := os.Getenv("DAGFLOW_PYTHON_PATH")
	if path == "" {
		path = "python3"
	}
	return &ScriptPlugin{pythonPath: path, tracer: otel.Tracer("dagflowd-plugin-script")}
}

func (sp *ScriptPlugin) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	ctx, span := sp.tracer.Start(ctx, "script.execute")
	defer span.End()

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("dagflow_%s_%s.py", exec.ID, task.ID))
	contextJSON, _ := json.Marshal(exec.SnapshotContext())
	content := fmt.Sprintf("import json\n\ncontext = %s\n\n%s\n", string(contextJSON), task.Script)
	if err := os.WriteFile(scriptPath, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := osExec.Command(sp.pythonPath, scriptPath)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("script execution failed: %w\nstderr: %s", err, stderr.String())
	}

	var result map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		result = map[string]any{"output": stdout.String(), "stderr": stderr.String()}
	}
	span.SetAttributes(attribute.Int("output_size", stdout.Len()))
	return result, nil
}

// ShellPlugin runs a whitelisted shell command.
type ShellPlugin struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

func NewShellPlugin() *ShellPlugin {
	return &ShellPlugin{
		allowed: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "wget": true, "python3": true,
		},
		tracer: otel.Tracer("dagflowd-plugin-shell"),
	}
}

func (shp *ShellPlugin) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	ctx, span := shp.tracer.Start(ctx, "shell.execute")
	defer span.End()

	parts := strings.Fields(resolveTemplate(task.Script, exec))
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if !shp.allowed[parts[0]] {
		return nil, fmt.Errorf("command not allowed: %s", parts[0])
	}

	cmd := osExec.Command(parts[0], parts[1:]...)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w\nstderr: %s", err, stderr.String())
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

// PolicyPlugin evaluates a named policy against the execution's shared
// context by calling out to a policy-evaluation HTTP endpoint, guarded
// by the same breaker/limiter pattern as HTTPPlugin since it is itself
// an external call on the critical path of a task.
type PolicyPlugin struct {
	serviceURL string
	tracer     trace.Tracer
	limiter    *resilience.RateLimiter
	breaker    *resilience.CircuitBreaker
}

// NewPolicyPlugin builds a PolicyPlugin. An empty serviceURL falls back
// to $DAGFLOW_POLICY_SERVICE_URL, defaulting to
// http://policy-service:8080. Policy evaluation is cheaper than a
// generic HTTP call and expected to run hotter, so its limiter allows
// more throughput than HTTPPlugin's before its breaker is even reached.
func NewPolicyPlugin(serviceURL string) *PolicyPlugin {
	if serviceURL == "" {
		serviceURL = os.Getenv("DAGFLOW_POLICY_SERVICE_URL")
	}
	if serviceURL == "" {
		serviceURL = "http://policy-service:8080"
	}
	return &PolicyPlugin{
		serviceURL: serviceURL,
		tracer:     otel.Tracer("dagflowd-plugin-policy"),
		limiter:    resilience.NewRateLimiter("policy", 300, time.Second),
		breaker:    resilience.NewCircuitBreaker("policy", 5, 5*time.Second, 3),
	}
}

func (pp *PolicyPlugin) Execute(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	ctx, span := pp.tracer.Start(ctx, "policy.execute",
		trace.WithAttributes(attribute.String("policy", task.Policy)),
	)
	defer span.End()

	if !pp.limiter.Allow() {
		return nil, fmt.Errorf("policy plugin: rate limit exceeded for policy %s", task.Policy)
	}
	if !pp.breaker.Allow() {
		return nil, fmt.Errorf("policy plugin: circuit open for policy %s", task.Policy)
	}
	result, err := pp.evaluate(ctx, task, exec)
	pp.breaker.RecordResult(err == nil)
	return result, err
}

func (pp *PolicyPlugin) evaluate(ctx context.Context, task Task, exec *Execution) (map[string]any, error) {
	reqBody, err := json.Marshal(map[string]any{
		"policy": task.Policy,
		"input":  exec.SnapshotContext(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pp.serviceURL+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("policy evaluation failed: %s", string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// resolveTemplate replaces {{task_id.field}} placeholders with values
// from the execution's shared context, plus {{execution.id}} and
// {{workflow.name}}.
func resolveTemplate(template string, exec *Execution) string {
	result := template
	for taskID, output := range exec.SnapshotContext() {
		if outputMap, ok := output.(map[string]any); ok {
			for field, value := range outputMap {
				placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
				result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
			}
		}
	}
	result = strings.ReplaceAll(result, "{{execution.id}}", exec.ID)
	result = strings.ReplaceAll(result, "{{workflow.name}}", exec.WorkflowName)
	return result
}
