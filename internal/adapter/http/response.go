package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := errorBody{Error: msg}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate),
		errors.Is(err, domain.ErrInvalidWindow),
		errors.Is(err, domain.ErrInvalidScanName),
		errors.Is(err, domain.ErrInvalidBounds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status statusFor picks, logging server-side
// failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, msg, err)
}
