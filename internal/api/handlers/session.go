package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/knack-ai/knack/internal/service"
)

type SessionHandler struct {
	wm *service.WorkingMemoryService
}

func NewSessionHandler(wm *service.WorkingMemoryService) *SessionHandler {
	return &SessionHandler{wm: wm}
}

// End closes a working-memory session, flushing its final activation
// snapshot to the replicator.
// DELETE /v1/sessions/:id
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	h.wm.EndSession(id)
	w.WriteHeader(http.StatusNoContent)
}
