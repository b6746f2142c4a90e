// Package api contains the HTTP layer: routing, request binding, and response formatting.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"mobilize/integrity-api/internal/domain"
)

// ─── Response envelope ────────────────────────────────────────────────────────

// envelope is the standard wrapper for all API responses.
// Success responses set `error` to nil; error responses set `data` to nil.
type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ─── Response helpers ─────────────────────────────────────────────────────────

// writeJSON serialises v into the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent.
		slog.Warn("api: encode response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}

// ok writes a 200 response with the payload wrapped in the standard envelope.
func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// created writes a 201 response.
func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// badRequest writes a 400 error response.
func badRequest(w http.ResponseWriter, code, message string) {
	writeError(w, http.StatusBadRequest, code, message)
}

// notFound writes a 404 error response.
func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", message)
}

// forbidden writes a 403 error response.
func forbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", message)
}

// internalError writes a 500 error response.
func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
}

// ─── Error mapping ────────────────────────────────────────────────────────────

// fail translates a domain error into its HTTP response. NotFound is checked
// before InvalidResolution so "no open flag" surfaces as 404.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		badRequest(w, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		notFound(w, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		forbidden(w, err.Error())
	case errors.Is(err, domain.ErrInvalidResolution):
		writeError(w, http.StatusConflict, "INVALID_RESOLUTION", err.Error())
	case errors.Is(err, domain.ErrLinkInactive):
		writeError(w, http.StatusGone, "LINK_INACTIVE", err.Error())
	case errors.Is(err, domain.ErrCacheUnavailable):
		slog.Error("api: cache unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "click tracking is temporarily unavailable")
	default:
		slog.Error("api: unhandled error", "path", r.URL.Path, "error", err)
		internalError(w)
	}
}
