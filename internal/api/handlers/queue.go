package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/service"
)

type QueueHandler struct {
	queue *service.QueueService
}

func NewQueueHandler(queue *service.QueueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

type enqueueRequest struct {
	Priority      int            `json:"priority"`
	NotBefore     string         `json:"not_before,omitempty"`
	RunsProcedure *uuid.UUID     `json:"runs_procedure,omitempty"`
	References    *uuid.UUID     `json:"references,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
}

// Enqueue adds a task to the durable queue.
// POST /v1/queue
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var notBefore time.Time
	if req.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, req.NotBefore)
		if err != nil {
			writeError(w, http.StatusBadRequest, "not_before must be RFC3339")
			return
		}
		notBefore = t
	}

	id, err := h.queue.Enqueue(r.Context(), service.EnqueueRequest{
		Priority:      req.Priority,
		NotBefore:     notBefore,
		RunsProcedure: req.RunsProcedure,
		References:    req.References,
		Payload:       req.Payload,
		TraceID:       req.TraceID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

// List returns ready items in dispatch order.
// GET /v1/queue
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListReady(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// Dequeue atomically claims the highest-priority ready item. An empty queue
// is not an error: it responds 204.
// POST /v1/queue/dequeue
func (h *QueueHandler) Dequeue(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Dequeue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// GetByID returns one queue item.
// GET /v1/queue/:id
func (h *QueueHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue item id")
		return
	}

	item, err := h.queue.Item(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type updateStateRequest struct {
	State string `json:"state"`
}

// UpdateState advances an item's lifecycle state.
// POST /v1/queue/:id/state
func (h *QueueHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue item id")
		return
	}

	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidQueueItemState(req.State) {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}

	if err := h.queue.UpdateStatus(r.Context(), id, domain.QueueItemState(req.State)); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": req.State})
}
