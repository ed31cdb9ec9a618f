package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/service"
)

type RuleHandler struct {
	sched *service.SchedulerService
}

func NewRuleHandler(sched *service.SchedulerService) *RuleHandler {
	return &RuleHandler{sched: sched}
}

type createRuleRequest struct {
	Kind       string         `json:"kind"`
	Expression string         `json:"expression"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// Create registers a time rule with the scheduler.
// POST /v1/rules
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidTimeRuleKind(req.Kind) {
		writeError(w, http.StatusBadRequest, "kind must be one of cron, interval, at, condition")
		return
	}

	id, err := h.sched.CreateRule(r.Context(), domain.TimeRuleKind(req.Kind), req.Expression, req.Payload, req.Priority)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

// List returns the active rules.
// GET /v1/rules
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.sched.Rules(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// Delete retires a rule; it stops firing on the next tick.
// DELETE /v1/rules/:id
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := h.sched.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
