package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagflow/internal/eventbus"
)

// executionCompletedSubject is the NATS subject a scheduled or
// event-triggered execution is announced on once it finishes, letting
// other services react without polling the store.
const executionCompletedSubject = "dagflow.executions.completed"

// ScheduleConfig declares when and how a stored workflow should run:
// either on a cron expression or in response to a named event type.
type ScheduleConfig struct {
	WorkflowName  string            `json:"workflow_name"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]any    `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EventHandler groups the schedules listening for one event type and
// tracks their in-flight execution count.
type EventHandler struct {
	schedules   []*ScheduleConfig
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// ErrScheduleConflict is returned when a ScheduleConfig names neither a
// cron expression nor an event type.
var ErrScheduleConflict = fmt.Errorf("schedule must specify either cron_expr or event_type")

// Scheduler dispatches stored workflows on a cron timer or in response to
// events delivered through internal/eventbus, persisting schedule
// definitions in the same Store used for workflow and execution records.
type Scheduler struct {
	cron          *cron.Cron
	store         *Store
	engine        *Engine
	executor      TaskExecutor
	eventHandlers map[string]*EventHandler
	mu            sync.RWMutex
	nc            *nats.Conn

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
}

// NewScheduler constructs a Scheduler with seconds-precision cron.
func NewScheduler(store *Store, engine *Engine, executor TaskExecutor, meter metric.Meter) *Scheduler {
	scheduleRuns, _ := meter.Int64Counter("swarm_workflow_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("swarm_workflow_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("swarm_workflow_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		engine:        engine,
		executor:      executor,
		eventHandlers: make(map[string]*EventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("dagflowd-scheduler"),
	}
}

// SetEventPublisher attaches the NATS connection used to announce
// scheduled execution completions. Safe to call after Start; until
// called, completions are simply not announced.
func (s *Scheduler) SetEventPublisher(nc *nats.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nc = nc
}

// Start begins the cron loop. Event-triggered schedules take effect as
// soon as they are added; they do not depend on Start.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop drains in-flight cron jobs, returning ctx.Err() if it times out
// first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers config, persisting it to the schedules bucket.
func (s *Scheduler) AddSchedule(ctx context.Context, config *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(
			attribute.String("workflow", config.WorkflowName),
			attribute.String("cron", config.CronExpr),
		),
	)
	defer span.End()

	switch {
	case config.CronExpr != "":
		entryID, err := s.cron.AddFunc(config.CronExpr, func() {
			s.executeScheduledWorkflow(context.Background(), config)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		slog.Info("cron schedule added", "workflow", config.WorkflowName, "cron", config.CronExpr, "entry_id", entryID)

	case config.EventType != "":
		s.registerEventHandler(config)
		slog.Info("event trigger added", "workflow", config.WorkflowName, "event_type", config.EventType)

	default:
		return ErrScheduleConflict
	}

	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(config.WorkflowName), data)
	})
}

// RemoveSchedule drops workflowName's event handlers and its persisted
// schedule record. The cron library has no remove-by-name API, so a
// previously added cron entry keeps firing until the process restarts
// and RestoreSchedules is not called for it again.
func (s *Scheduler) RemoveSchedule(ctx context.Context, workflowName string) error {
	s.mu.Lock()
	for eventType, handler := range s.eventHandlers {
		kept := handler.schedules[:0:0]
		for _, sched := range handler.schedules {
			if sched.WorkflowName != workflowName {
				kept = append(kept, sched)
			}
		}
		handler.schedules = kept
		if len(handler.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	err := s.store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(workflowName))
	})
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	slog.Info("schedule removed", "workflow", workflowName)
	return nil
}

// ListSchedules returns every persisted ScheduleConfig.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	schedules := make([]*ScheduleConfig, 0)
	err := s.store.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			schedules = append(schedules, &cfg)
			return nil
		})
	})
	return schedules, err
}

// TriggerEvent runs every enabled schedule whose EventType matches and
// whose EventFilter is satisfied by eventData, each in its own goroutine
// bounded by its MaxConcurrent.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]any) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	handler, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		span.AddEvent("no_handlers")
		return nil
	}

	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, schedule := range handler.schedules {
		if !schedule.Enabled || !matchesFilter(eventData, schedule.EventFilter) {
			continue
		}

		handler.mu.Lock()
		if schedule.MaxConcurrent > 0 && handler.running >= schedule.MaxConcurrent {
			handler.mu.Unlock()
			slog.Warn("max concurrent executions reached", "workflow", schedule.WorkflowName, "max", schedule.MaxConcurrent)
			continue
		}
		handler.running++
		handler.lastTrigger = time.Now()
		handler.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() {
				handler.mu.Lock()
				handler.running--
				handler.mu.Unlock()
			}()

			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.executeScheduledWorkflow(execCtx, cfg)
		}(schedule)
	}
	return nil
}

func (s *Scheduler) executeScheduledWorkflow(ctx context.Context, config *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute_workflow", trace.WithAttributes(attribute.String("workflow", config.WorkflowName)))
	defer span.End()

	start := time.Now()

	wf, found, err := s.store.GetWorkflow(ctx, config.WorkflowName)
	if err != nil || !found {
		slog.Error("failed to load scheduled workflow", "workflow", config.WorkflowName, "error", err, "found", found)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", config.WorkflowName)))
		return
	}

	exec, err := s.engine.Execute(ctx, wf, s.executor)
	if err != nil {
		slog.Error("scheduled workflow execution failed", "workflow", config.WorkflowName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", config.WorkflowName)))
		return
	}

	if err := s.store.PutExecution(ctx, exec); err != nil {
		slog.Error("failed to store scheduled execution", "error", err)
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", config.WorkflowName), attribute.String("status", "success")))
	slog.Info("scheduled workflow completed", "workflow", config.WorkflowName, "execution_id", exec.ID, "duration_ms", time.Since(start).Milliseconds())
	s.announceCompletion(ctx, exec)
}

// announceCompletion publishes exec over NATS so other services can react
// to a scheduled run finishing without polling the store. A nil or
// unreachable connection is not an execution failure, so the error is
// only logged.
func (s *Scheduler) announceCompletion(ctx context.Context, exec *Execution) {
	s.mu.RLock()
	nc := s.nc
	s.mu.RUnlock()
	if nc == nil {
		return
	}

	data, err := json.Marshal(exec)
	if err != nil {
		slog.Warn("marshal execution event", "execution_id", exec.ID, "error", err)
		return
	}
	if err := eventbus.Publish(ctx, nc, executionCompletedSubject, data); err != nil {
		slog.Warn("publish execution event", "execution_id", exec.ID, "error", err)
	}
}

func (s *Scheduler) registerEventHandler(config *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handler, ok := s.eventHandlers[config.EventType]
	if !ok {
		handler = &EventHandler{schedules: make([]*ScheduleConfig, 0)}
		s.eventHandlers[config.EventType] = handler
	}
	handler.schedules = append(handler.schedules, config)
}

func matchesFilter(eventData, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := eventData[key]
		if !ok || fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// RestoreSchedules re-adds every enabled persisted schedule, meant to be
// called once at startup.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	restored, failed := 0, 0
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if err := s.AddSchedule(ctx, schedule); err != nil {
			slog.Error("failed to restore schedule", "workflow", schedule.WorkflowName, "error", err)
			failed++
			continue
		}
		restored++
	}
	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}
