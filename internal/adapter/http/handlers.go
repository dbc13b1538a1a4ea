package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/litellm"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/cache"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/port/registry"
	"github.com/Strob0t/Conductor/internal/service"
)

// defaultWaitTimeout bounds ?wait=true submissions when none is configured.
const defaultWaitTimeout = 2 * time.Minute

// ConstraintReloader re-reads the constraint model on demand.
type ConstraintReloader interface {
	Reload() error
	Reloads() int64
}

// CacheStats reports hit and miss counts of the health cache.
type CacheStats interface {
	Stats() cache.Stats
}

// Handlers holds the collaborators behind the REST API. Only Orchestrator is
// required.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Executor     *service.Executor
	Registry     registry.ServiceRegistry
	Constraints  ConstraintReloader
	LiteLLM      *litellm.Client
	Queue        messagequeue.Queue
	HealthCache  CacheStats
	Version      string
	WaitTimeout  time.Duration
}

type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// SubmitTask handles POST /api/v1/tasks. With ?wait=true it blocks until the
// task is terminal or the wait timeout passes.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.Request](w, r)
	if !ok {
		return
	}
	id, err := h.Orchestrator.Submit(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.Header().Set("Location", taskLocationPrefix+id)

	if !queryBool(r, "wait") {
		writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, Status: task.StatusPending})
		return
	}

	timeout := h.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	t, err := h.Orchestrator.Wait(ctx, id, 0)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, context.DeadlineExceeded) && t != nil:
		writeJSON(w, http.StatusAccepted, t)
	default:
		writeDomainError(w, err, "task not found")
	}
}

// ListTasks handles GET /api/v1/tasks?limit=n
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := h.Orchestrator.List(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.OrchestratorTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Orchestrator.GetStatus(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetTaskResult handles GET /api/v1/tasks/{id}/result
func (h *Handlers) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.Orchestrator.GetResult(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Orchestrator.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancel_requested": true})
}

// GetMetrics handles GET /api/v1/metrics
func (h *Handlers) GetMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Metrics().Snapshot())
}

// GetTaskMetrics handles GET /api/v1/metrics/tasks/{id}
func (h *Handlers) GetTaskMetrics(w http.ResponseWriter, r *http.Request) {
	tm, ok := h.Orchestrator.Metrics().Task(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no metrics for task")
		return
	}
	writeJSON(w, http.StatusOK, tm)
}

// ResetMetrics handles POST /api/v1/metrics/reset
func (h *Handlers) ResetMetrics(w http.ResponseWriter, _ *http.Request) {
	h.Orchestrator.Metrics().Reset()
	w.WriteHeader(http.StatusNoContent)
}

type serviceView struct {
	routing.ServiceDescriptor
	Breaker string `json:"breaker,omitempty"`
}

// ListServices handles GET /api/v1/registry/services
func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		writeJSON(w, http.StatusOK, []serviceView{})
		return
	}
	services, err := h.Registry.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	var states map[string]string
	if h.Executor != nil {
		states = h.Executor.BreakerStates()
	}
	out := make([]serviceView, 0, len(services))
	for i := range services {
		out = append(out, serviceView{ServiceDescriptor: services[i], Breaker: states[services[i].ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

// ReloadConstraints handles POST /api/v1/constraints/reload
func (h *Handlers) ReloadConstraints(w http.ResponseWriter, _ *http.Request) {
	if h.Constraints == nil {
		writeError(w, http.StatusNotImplemented, "constraint model is not file backed")
		return
	}
	if err := h.Constraints.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reloads": h.Constraints.Reloads()})
}

type healthResponse struct {
	Status      string       `json:"status"`
	Version     string       `json:"version,omitempty"`
	Queue       string       `json:"queue,omitempty"`
	HealthCache *cache.Stats `json:"health_cache,omitempty"`
}

// Health handles GET /health. The queue is optional, so a disconnected queue
// degrades rather than fails the check.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Version: h.Version}
	if h.Queue != nil {
		resp.Queue = "connected"
		if !h.Queue.IsConnected() {
			resp.Queue = "disconnected"
			resp.Status = "degraded"
		}
	}
	if h.HealthCache != nil {
		s := h.HealthCache.Stats()
		resp.HealthCache = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReasonerHealth handles GET /health/reasoner
func (h *Handlers) ReasonerHealth(w http.ResponseWriter, r *http.Request) {
	if h.LiteLLM == nil {
		writeError(w, http.StatusServiceUnavailable, "reasoner not configured")
		return
	}
	report, err := h.LiteLLM.HealthDetailed(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "reasoner unreachable")
		return
	}
	status := http.StatusOK
	if report.HealthyCount == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
