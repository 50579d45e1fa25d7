package apperrors

import (
	"errors"
	"net/http"
)

// Machine-readable codes sent to clients next to the message.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeNotReady       = "not_ready"
	CodeInternal       = "internal"
)

var classes = []struct {
	sentinel error
	status   int
	code     string
}{
	{ErrValidation, http.StatusBadRequest, CodeInvalidRequest},
	{ErrNotFound, http.StatusNotFound, CodeNotFound},
	{ErrNotReady, http.StatusConflict, CodeNotReady},
	{ErrConflict, http.StatusConflict, CodeConflict},
}

// HTTPStatus maps an error to the appropriate HTTP status code.
// Anything unclassified is a 500.
func HTTPStatus(err error) int {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Code maps an error to its client-facing code.
func Code(err error) string {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return CodeInternal
}

// FieldOf returns the request field a validation error points at, if any.
func FieldOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
