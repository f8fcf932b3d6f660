// Package handler contains HTTP handlers grouped by resource.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/api/middleware"
	"github.com/athens-ehs/athens/internal/api/respond"
	"github.com/athens-ehs/athens/internal/ptw"
)

// decode parses a JSON request body into dst. Writes a 400 and returns
// false on malformed input.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respond.Error(w, http.StatusBadRequest, "validation_error", "request body is not valid JSON")
		return false
	}
	return true
}

// requestScope pulls the middleware scope; handlers behind RequireAuth can
// rely on it being present.
func requestScope(r *http.Request) *middleware.Scope {
	return middleware.ScopeFromContext(r.Context())
}

// principalOf builds the policy principal for the request.
func principalOf(r *http.Request) access.Principal {
	return access.FromClaims(requestScope(r).Claims)
}

// writeDomainError maps workflow and policy errors onto the error
// envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *ptw.ValidationError
	var conflict *ptw.ConflictError
	switch {
	case errors.As(err, &ve):
		respond.ValidationError(w, ve.Fields)
	case errors.As(err, &conflict):
		respond.Conflict(w, "permit was modified concurrently", conflict.CurrentVersion)
	case errors.Is(err, ptw.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, ptw.ErrIllegalTransition):
		respond.Error(w, http.StatusConflict, "workflow_illegal_transition", err.Error())
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "operation not permitted")
	default:
		respond.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// expectedVersion reads the optional optimistic-concurrency guard from the
// query string. Returns nil when absent or malformed.
func expectedVersion(r *http.Request) *int {
	raw := r.URL.Query().Get("expected_version")
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
