package api

import (
	"context"
	"devicefleet/internal/observability"
	"devicefleet/internal/tasks"
	"devicefleet/internal/worker"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 100
	stoppedWorker   = "stopped"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	if err := s.queue.Ping(ctx); err != nil {
		s.fail(w, r, http.StatusServiceUnavailable, "not ready", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}

// handleStatus reports every online endpoint with its backlog and worker state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.dir.ListOnline(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to list devices", err)
		return
	}

	workers := s.pool.Status()
	devices := make(map[string]DeviceStatus, len(endpoints))
	for _, ep := range endpoints {
		pending, err := s.queue.QueueLength(r.Context(), ep.Alias)
		if err != nil {
			s.fail(w, r, http.StatusInternalServerError, "failed to read queue", err)
			return
		}
		devices[ep.Alias] = DeviceStatus{
			Pending:    pending,
			Worker:     workerState(workers, ep.Alias),
			ID:         ep.ID,
			Model:      ep.Model,
			Resolution: fmt.Sprintf("%dx%d", ep.Width, ep.Height),
		}
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "ok",
		Stats:     s.pool.Stats(),
		Devices:   devices,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.dir.List(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, ListDevicesResponse{Devices: endpoints})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, "health monitor disabled", http.StatusServiceUnavailable)
		return
	}

	endpoints, err := s.dir.ListOnline(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to list devices", err)
		return
	}

	resp := HealthCheckResponse{
		Running: s.health.Running(),
		Total:   len(endpoints),
		Checks:  []HealthCheck{},
	}
	for _, res := range s.health.CheckAll(r.Context(), endpoints) {
		check := HealthCheck{EndpointID: res.EndpointID, Alias: res.Alias, Healthy: res.Healthy}
		if res.Err != nil {
			check.Error = res.Err.Error()
		}
		if res.Healthy {
			resp.Healthy++
		}
		resp.Checks = append(resp.Checks, check)
	}
	resp.Unhealthy = resp.Total - resp.Healthy

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.Action == "" || len(req.Payload) == 0 {
		http.Error(w, "endpoint, action and payload are required", http.StatusBadRequest)
		return
	}

	s.submit(w, r, req.Endpoint, req.Action, req.Payload, http.StatusCreated)
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req SendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Number == "" || req.Text == "" {
		http.Error(w, "number and text are required", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	s.submit(w, r, mux.Vars(r)["alias"], "send_text", payload, http.StatusAccepted)
}

// submit enqueues a task and either answers immediately or, with ?wait=true, once the task is
// terminal.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, alias, action string, payload json.RawMessage, status int) {
	ctx := r.Context()
	task, err := s.queue.Enqueue(ctx, alias, action, payload)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to enqueue task", err)
		return
	}
	observability.LoggerFromContext(ctx).Info("task enqueued", "task_id", task.ID, "alias", alias, "action", action)

	if r.URL.Query().Get("wait") == "true" {
		s.await(w, r, task.ID)
		return
	}

	position, err := s.queue.QueueLength(ctx, alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read queue", err)
		return
	}
	writeJSON(w, status, CreateTaskResponse{Task: task, QueuePosition: position})
}

func (s *Server) await(w http.ResponseWriter, r *http.Request, taskID string) {
	ticker := time.NewTicker(s.waitInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.waitTimeout)
	defer deadline.Stop()

	timeout := ErrorResponse{Error: "timed out waiting for task", TaskID: taskID}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeJSON(w, http.StatusRequestTimeout, timeout)
			return
		case <-ticker.C:
			task, err := s.queue.GetTask(r.Context(), taskID)
			if errors.Is(err, tasks.ErrTaskNotFound) {
				writeJSON(w, http.StatusRequestTimeout, timeout)
				return
			}
			if err != nil {
				continue
			}
			if task.Terminal() {
				writeJSON(w, http.StatusOK, task)
				return
			}
		}
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.GetTask(r.Context(), mux.Vars(r)["taskID"])
	if errors.Is(err, tasks.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to fetch task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alias := mux.Vars(r)["alias"]

	pending, err := s.queue.QueueLength(ctx, alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read queue", err)
		return
	}
	lease, err := s.queue.CurrentLease(ctx, alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read lease", err)
		return
	}
	counters, err := s.queue.Counters(ctx, alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read counters", err)
		return
	}

	writeJSON(w, http.StatusOK, QueueSummaryResponse{
		Alias:      alias,
		Pending:    pending,
		Processing: lease,
		Worker:     workerState(s.pool.Status(), alias),
		Today:      counters.Today,
		Total:      counters.Total,
	})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	pending, err := s.queue.ListPending(r.Context(), alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, ListPendingResponse{Alias: alias, Count: len(pending), Tasks: pending})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	removed, err := s.queue.Clear(r.Context(), alias)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to clear queue", err)
		return
	}
	observability.LoggerFromContext(r.Context()).Info("queue cleared", "alias", alias, "removed", removed)
	writeJSON(w, http.StatusOK, ClearQueueResponse{Alias: alias, Removed: removed})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "task history disabled", http.StatusServiceUnavailable)
		return
	}

	alias := mux.Vars(r)["alias"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.history.List(r.Context(), alias, limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Alias: alias, Entries: entries})
}

func (s *Server) handleEventLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxLogLimit)
		}
	}

	logs, err := s.queue.EventLog(r.Context(), int64(limit))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "failed to read event log", err)
		return
	}
	writeJSON(w, http.StatusOK, EventLogResponse{Logs: logs})
}

func workerState(workers map[string]worker.State, alias string) string {
	if st, ok := workers[alias]; ok {
		return string(st)
	}
	return stoppedWorker
}

// fail answers with msg and logs the cause under the request id.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	id, _ := observability.RequestIDFromContext(r.Context())
	s.logger.Error(msg, "request_id", id, "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
