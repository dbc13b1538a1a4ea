package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/constraints"
)

// Orchestrator is the subset of the orchestrator facade the A2A surface needs.
type Orchestrator interface {
	Submit(ctx context.Context, req *task.Request) (string, error)
	GetStatus(ctx context.Context, id string) (*task.OrchestratorTask, error)
}

// Handler serves the A2A protocol endpoints.
type Handler struct {
	baseURL string
	version string
	orch    Orchestrator
	source  constraints.Source
}

// NewHandler creates an A2A handler.
func NewHandler(baseURL, version string, orch Orchestrator, source constraints.Source) *Handler {
	return &Handler{baseURL: baseURL, version: version, orch: orch, source: source}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	var domains []constraints.DomainInfo
	if h.source != nil {
		domains = h.source.DomainCatalogue()
	}
	writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, h.version, domains))
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Skill != "" && req.Skill != SkillOrchestrate {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown skill %q", req.Skill))
		return
	}
	text, _ := req.Input["text"].(string)
	if text == "" {
		text, _ = req.Input["prompt"].(string)
	}

	id, err := h.orch.Submit(r.Context(), &task.Request{
		Request:       text,
		UserContext:   stringContext(req.Context),
		ContextBundle: req.Context,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("a2a submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	slog.Info("a2a task accepted", "task_id", id, "caller_ref", req.ID)
	writeJSON(w, http.StatusCreated, TaskResponse{ID: id, Status: StatusQueued})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.orch.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, FromTask(t))
}

// FromTask maps an orchestrator task onto the A2A status vocabulary.
func FromTask(t *task.OrchestratorTask) TaskResponse {
	resp := TaskResponse{ID: t.ID}
	switch t.Status {
	case task.StatusPending:
		resp.Status = StatusQueued
	case task.StatusCompleted:
		resp.Status = StatusCompleted
		if t.Response != nil {
			resp.Output = map[string]any{
				"payload":    t.Response.Payload,
				"summary":    t.Response.Summary,
				"confidence": t.Response.Confidence,
				"incomplete": t.Response.Incomplete,
			}
		}
	case task.StatusFailed:
		resp.Status = StatusFailed
		if t.Error != nil {
			resp.Error = t.Error.Message
		}
	case task.StatusEscalated:
		resp.Status = StatusInputRequired
		if t.Escalation != nil {
			resp.Output = map[string]any{
				"escalation_id": t.Escalation.ID,
				"stage":         t.Escalation.Stage,
				"score":         t.Escalation.Score,
			}
		}
	default:
		resp.Status = StatusRunning
	}
	return resp
}

func stringContext(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
