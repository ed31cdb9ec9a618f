package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/service"
)

type ConceptHandler struct {
	ksg *service.KSGService
}

func NewConceptHandler(ksg *service.KSGService) *ConceptHandler {
	return &ConceptHandler{ksg: ksg}
}

type createConceptRequest struct {
	Prototype string         `json:"prototype"`
	Props     map[string]any `json:"props"`
}

// Create stores a concept under a named prototype.
// POST /v1/concepts
func (h *ConceptHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prototype == "" {
		writeError(w, http.StatusBadRequest, "prototype is required")
		return
	}

	proto, err := h.ksg.GetPrototypeByName(r.Context(), req.Prototype)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	id, err := h.ksg.CreateConcept(r.Context(), proto.ID, req.Props, nil, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

type conceptResult struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Prototype string         `json:"prototype"`
	Score     float32        `json:"score"`
	Props     map[string]any `json:"props"`
}

// Search ranks concepts by similarity to the query, with inherited defaults
// hydrated in.
// GET /v1/concepts/search?q=...&prototype=Person&top_k=5
func (h *ConceptHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("top_k")); err == nil && v > 0 {
		topK = v
	}

	results, err := h.ksg.SearchConcepts(r.Context(), query, topK, r.URL.Query().Get("prototype"), 0.1, true)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]conceptResult, len(results))
	for i, res := range results {
		out[i] = conceptResult{
			ID:        res.Node.ID,
			Name:      res.Node.Name(),
			Prototype: res.Node.PrototypeName(),
			Score:     res.Score,
			Props:     res.Node.Props,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"concepts": out, "count": len(out)})
}
