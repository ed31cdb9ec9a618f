package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/knack-ai/knack/internal/service"
	"github.com/knack-ai/knack/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinels to HTTP status codes so handlers
// stay thin.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, service.ErrPatternNotFound),
		errors.Is(err, service.ErrCredentialMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrAllSelectorsFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrInvalidPlan),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrSchemaViolation),
		errors.Is(err, service.ErrCycleDetected),
		errors.Is(err, service.ErrUnknownTool):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
