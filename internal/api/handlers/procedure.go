package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/service"
)

type ProcedureHandler struct {
	procs *service.ProcedureService
}

func NewProcedureHandler(procs *service.ProcedureService) *ProcedureHandler {
	return &ProcedureHandler{procs: procs}
}

type createProcedureResponse struct {
	ID uuid.UUID `json:"id"`
}

// Create stores a plan as an executable procedure. The body is plan JSON in
// the same shape the planner emits.
// POST /v1/procedures
func (h *ProcedureHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	plan, err := domain.ParsePlan(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.procs.Validate(plan); err != nil {
		writeServiceError(w, err)
		return
	}

	id, err := h.procs.CreateFromJSON(r.Context(), plan, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createProcedureResponse{ID: id})
}

// GetByID hydrates a stored procedure back into plan form.
// GET /v1/procedures/:id
func (h *ProcedureHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid procedure id")
		return
	}

	plan, err := h.procs.Hydrate(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Runs lists the finalized runs of a procedure, newest first.
// GET /v1/procedures/:id/runs
func (h *ProcedureHandler) Runs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid procedure id")
		return
	}

	runs, err := h.procs.Runs(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

type searchProcedureResult struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Score    float32   `json:"score"`
	HintOnly bool      `json:"hint_only"`
}

// Search finds stored procedures similar to a request.
// GET /v1/procedures/search?q=...&min_score=0.8
func (h *ProcedureHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	minScore := service.ReuseMinScoreDefault
	if v, err := strconv.ParseFloat(r.URL.Query().Get("min_score"), 64); err == nil {
		minScore = v
	}

	matches, err := h.procs.FindReusable(r.Context(), query, nil, float32(minScore))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	results := make([]searchProcedureResult, len(matches))
	for i, m := range matches {
		results[i] = searchProcedureResult{
			ID:       m.Node.ID,
			Name:     m.Node.Name(),
			Score:    m.Score,
			HintOnly: m.HintOnly,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"procedures": results, "count": len(results)})
}
