package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// problem is an RFC 7807 application/problem+json body, sent for every
// error response instead of a bare {data,error} envelope.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const problemContentType = "application/problem+json"

var errUnauthorized = errors.New("unauthorized")

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, title := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "error", err)
	}
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: err.Error(),
	})
}

// classify maps a domain error kind to its HTTP status.
func classify(err error) (status int, title string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAppNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid payload"
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit exceeded"
	case errors.Is(err, domain.ErrTemplate):
		return http.StatusBadRequest, "template error"
	case errors.Is(err, domain.ErrHook):
		return http.StatusBadRequest, "hook error"
	case errors.Is(err, domain.ErrNotSupported):
		return http.StatusNotImplemented, "not supported"
	case errors.Is(err, domain.ErrBootstrap):
		return http.StatusInternalServerError, "bootstrap failed"
	case errors.Is(err, domain.ErrBackendTransient):
		return http.StatusServiceUnavailable, "backend temporarily unavailable"
	case errors.Is(err, domain.ErrBackendPermanent):
		return http.StatusInternalServerError, "backend error"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
