// Package httperr maps the error kinds spec.md §7 defines to HTTP status
// codes through one typed error kind. Grounded on the teacher's convention
// of calling http.Error(w, msg, code) directly from handlers
// (admin_handlers.go). The internal/httpapi handlers do not use this
// package: they still write plain-text errors with explicit status codes.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is one of the closed set of error kinds spec.md §7 names.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	Conflict
	BadRequest
	Unavailable
)

func (k Kind) status() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BadRequest:
		return http.StatusBadRequest
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a Kind carrying a human-readable message, satisfying the error
// interface so it can flow through ordinary Go error-handling paths
// before a handler translates it to a response.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error()}
}

// Write sends err as a JSON body {"error": "..."} with the status code
// its Kind maps to. Errors that are not *Error are treated as Internal,
// matching spec.md §7's "unexpected exception" -> 500 rule.
func Write(w http.ResponseWriter, err error) {
	var herr *Error
	if !errors.As(err, &herr) {
		herr = &Error{Kind: Internal, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.Kind.status())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": herr.Message})
}
