// Package respond provides JSON rendering helpers and the error envelope
// used by every handler. No external library is used — only encoding/json.
package respond

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const contentType = "application/json"

// ErrorBody is the error envelope: a stable machine code, a human message,
// and optional per-field validation details.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

type errorDocument struct {
	Error ErrorBody `json:"error"`
}

// JSON writes data with the given HTTP status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error writes a single error with code and message.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, errorDocument{Error: ErrorBody{Code: code, Message: message}})
}

// ValidationError writes a 400 with per-field messages.
func ValidationError(w http.ResponseWriter, fields map[string]string) {
	JSON(w, http.StatusBadRequest, errorDocument{Error: ErrorBody{
		Code:    "validation_error",
		Message: "request validation failed",
		Fields:  fields,
	}})
}

// Conflict writes a 409 carrying the server's current version so optimistic
// writers can rebase.
func Conflict(w http.ResponseWriter, message string, currentVersion int) {
	JSON(w, http.StatusConflict, errorDocument{Error: ErrorBody{
		Code:    "conflict",
		Message: message,
		Meta:    map[string]any{"current_version": currentVersion},
	}})
}

// RateLimited writes a 429 with a Retry-After header in seconds.
func RateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	JSON(w, http.StatusTooManyRequests, errorDocument{Error: ErrorBody{
		Code:    "rate_limited",
		Message: "too many requests",
	}})
}
