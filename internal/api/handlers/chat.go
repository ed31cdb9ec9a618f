package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/knack-ai/knack/internal/api/middleware"
	"github.com/knack-ai/knack/internal/service"
)

type ChatHandler struct {
	agent *service.AgentService
}

func NewChatHandler(agent *service.AgentService) *ChatHandler {
	return &ChatHandler{agent: agent}
}

// Chat runs one message through the agent loop.
// POST /v1/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req service.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" && req.Feedback == "" && req.ApprovedPlan == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.TraceID == "" {
		req.TraceID = middleware.RequestIDFromContext(r.Context())
	}

	result, err := h.agent.HandleMessage(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
