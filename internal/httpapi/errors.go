package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"session-provisioner/internal/provisioner"
)

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapError maps orchestrator errors to a status, a code and the message shown to the client.
// An empty message means the error text itself is safe to show.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, provisioner.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", ""
	case errors.Is(err, provisioner.ErrPairingDenied):
		return http.StatusForbidden, "pairing_denied", ""
	case errors.Is(err, provisioner.ErrNotFound):
		return http.StatusNotFound, "not_found", ""
	case errors.Is(err, provisioner.ErrDuplicateUser):
		return http.StatusConflict, "duplicate_user", ""
	case errors.Is(err, provisioner.ErrInvalidState):
		return http.StatusConflict, "invalid_state", ""
	case errors.Is(err, provisioner.ErrWorkflowInProgress):
		return http.StatusConflict, "in_progress", ""
	case errors.Is(err, provisioner.ErrHandshakeFailure):
		// The cause carries bridge internals.
		return http.StatusBadGateway, "handshake_failure", "messaging handshake failed"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if msg == "" {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("httpapi: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
