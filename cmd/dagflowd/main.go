// Command dagflowd serves the workflow engine over HTTP: storing workflow
// definitions, running them on demand or on a schedule, and exposing their
// executions for inspection.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagflow/internal/eventbus"
	"github.com/swarmguard/dagflow/internal/obs"
	"github.com/swarmguard/dagflow/internal/resilience"
	"github.com/swarmguard/dagflow/internal/workflow"
)

const service = "dagflowd"

func main() {
	logger := obs.InitLogging(service)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics, metrics := obs.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	dbPath := os.Getenv("DAGFLOW_DB_PATH")
	if dbPath == "" {
		dbPath = "./data"
	}
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		logger.Error("create db path", "error", err, "path", dbPath)
		os.Exit(1)
	}

	store, err := workflow.NewStore(dbPath, meter)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := workflow.NewPluginRegistry(nil)
	engine := workflow.NewEngine(workerCountFromEnv(), metrics)
	cancellation := workflow.NewCancellationManager(meter)
	scheduler := workflow.NewScheduler(store, engine, registry, meter)

	if err := scheduler.RestoreSchedules(ctx); err != nil {
		logger.Error("restore schedules", "error", err)
	}
	scheduler.Start()

	go cancellation.StartCleanupLoop(ctx, 5*time.Minute, 24*time.Hour)

	var nc *nats.Conn
	if url := os.Getenv("DAGFLOW_NATS_URL"); url != "" {
		nc, err = resilience.Retry(ctx, 5, time.Second, func() (*nats.Conn, error) {
			return nats.Connect(url)
		})
		if err != nil {
			logger.Warn("nats connect failed, event triggers disabled", "error", err)
		} else {
			defer nc.Close()
			scheduler.SetEventPublisher(nc)
			if _, err := eventbus.Subscribe(nc, "dagflow.events.>", func(evCtx context.Context, msg *nats.Msg) {
				eventType := strings.TrimPrefix(msg.Subject, "dagflow.events.")
				var payload map[string]any
				if err := json.Unmarshal(msg.Data, &payload); err != nil {
					logger.Warn("malformed event payload", "subject", msg.Subject, "error", err)
					return
				}
				if err := scheduler.TriggerEvent(evCtx, eventType, payload); err != nil {
					logger.Error("trigger event", "event_type", eventType, "error", err)
				}
			}); err != nil {
				logger.Warn("nats subscribe failed, event triggers disabled", "error", err)
			}
		}
	}

	srv := &http.Server{
		Addr:    addrFromEnv(),
		Handler: newRouter(store, engine, registry, scheduler, cancellation),
	}

	go func() {
		logger.Info("dagflowd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cancellation.CancelAll(shutdownCtx, "service shutdown")
	_ = scheduler.Stop(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	_ = shutdownMetrics(shutdownCtx)
	_ = shutdownTrace(shutdownCtx)
	logger.Info("shutdown complete")
}

func addrFromEnv() string {
	if addr := os.Getenv("DAGFLOW_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func workerCountFromEnv() int {
	if v := os.Getenv("DAGFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 8
}
