package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/supportkb/internal/kb"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, errorEnvelope{Error: errorBody{Message: fmt.Sprintf(format, args...), Type: errType}})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var invalid *kb.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", invalid.Reason)
	case errors.Is(err, kb.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "record not found")
	case kb.IsServiceError(err):
		httpError(w, http.StatusBadGateway, "service_error", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
