package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/swarmguard/dagflow/internal/workflow"
)

type runRequest struct {
	Workflow string `json:"workflow"`
}

func newRouter(store *workflow.Store, engine *workflow.Engine, executor workflow.TaskExecutor, scheduler *workflow.Scheduler, cancellation *workflow.CancellationManager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"store":        store.Stats(),
			"cancellation": cancellation.Metrics(),
		})
	})

	mux.HandleFunc("GET /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		limit := intParam(r, "limit", 100)
		offset := intParam(r, "offset", 0)
		wfs, err := store.ListWorkflows(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, wfs)
	})

	mux.HandleFunc("POST /v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		var wf workflow.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if wf.Name == "" {
			writeError(w, http.StatusBadRequest, errMissingName)
			return
		}
		if err := store.PutWorkflow(r.Context(), wf); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	})

	mux.HandleFunc("GET /v1/workflows/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		wf, found, err := store.GetWorkflow(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, workflow.ErrWorkflowNotFound)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	})

	mux.HandleFunc("DELETE /v1/workflows/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DeleteWorkflow(r.Context(), r.PathValue("name")); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/run", func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wf, found, err := store.GetWorkflow(r.Context(), req.Workflow)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, workflow.ErrWorkflowNotFound)
			return
		}

		runCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		run := workflow.NewRun(wf.Name)
		cancellation.Register(run.ID, run, cancel)

		exec, runErr := engine.ExecuteRun(runCtx, run, wf, executor)
		status := workflow.ExecutionCompleted
		if runErr != nil {
			status = workflow.ExecutionFailed
		}
		cancellation.Complete(run.ID, status)
		if exec != nil {
			if storeErr := store.PutExecution(r.Context(), exec); storeErr != nil {
				slog.Error("persist execution", "error", storeErr, "execution_id", exec.ID)
			}
		}
		if runErr != nil {
			writeJSON(w, http.StatusOK, map[string]any{"execution": exec, "error": runErr.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"execution": exec})
	})

	mux.HandleFunc("GET /v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		exec, found, err := store.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	})

	mux.HandleFunc("POST /v1/executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator requested"
		}
		if err := cancellation.Cancel(r.Context(), r.PathValue("id"), reason); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		schedules, err := scheduler.ListSchedules(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, schedules)
	})

	mux.HandleFunc("POST /v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		var cfg workflow.ScheduleConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := scheduler.AddSchedule(r.Context(), &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, cfg)
	})

	mux.HandleFunc("DELETE /v1/schedules/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := scheduler.RemoveSchedule(r.Context(), r.PathValue("name")); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

var errMissingName = &fieldError{"name is required"}

type fieldError struct{ msg string }

func (e *fieldError) Error() string { return e.msg }

func intParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
