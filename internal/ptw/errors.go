// Package ptw implements the permit-to-work workflow engine: the permit
// state machine, gating predicates, readiness diagnostics, signatures,
// close-out, and the offline sync engine.
package ptw

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors mapped to HTTP error kinds by the handlers.
var (
	ErrNotFound          = errors.New("not_found")
	ErrIllegalTransition = errors.New("workflow_illegal_transition")
)

// ConflictError reports an optimistic-concurrency failure and carries the
// server's current version.
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.CurrentVersion)
}

// ValidationError carries field-keyed messages for a 400 response.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}
