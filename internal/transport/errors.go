package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sawpanic/xgateway/internal/apperr"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps an apperr.Kind to its HTTP status and writes a
// JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.Client):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.Auth):
		status = http.StatusUnauthorized
		if errors.Is(err, apperr.ErrForbidden) {
			status = http.StatusForbidden
		}
	case errors.Is(err, apperr.Upstream):
		status = http.StatusBadGateway
	case errors.Is(err, apperr.Internal):
		status = http.StatusInternalServerError
	}

	if errors.Is(err, apperr.ErrOrderNotFound) || errors.Is(err, apperr.ErrUnknownExchange) {
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
