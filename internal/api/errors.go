package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps a core error onto its status code and error type.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var unavailable *domain.SearchUnavailable
	switch {
	case domain.IsValidation(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, domain.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, domain.ErrRunInProgress), errors.Is(err, domain.ErrAlreadyExists):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.As(err, &unavailable):
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%v", err)
	case errors.Is(err, context.Canceled):
		httpError(w, 499, "cancelled", "request cancelled")
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
