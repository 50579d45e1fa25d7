package apperrors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("description", "description is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "description is required" {
		t.Errorf("expected message 'description is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "description" {
		t.Errorf("expected field 'description', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("job", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "job abc123 not found" {
		t.Errorf("expected message 'job abc123 not found', got %q", err.Error())
	}
}

func TestConflictAndNotReady(t *testing.T) {
	t.Parallel()

	conflict := Conflict("job", "job already completed")
	if !errors.Is(conflict, ErrConflict) || errors.Is(conflict, ErrNotReady) {
		t.Errorf("unexpected classification for %v", conflict)
	}

	notReady := NotReady("report", "report is not ready yet")
	if !errors.Is(notReady, ErrNotReady) || errors.Is(notReady, ErrConflict) {
		t.Errorf("unexpected classification for %v", notReady)
	}

	var appErr *Error
	if !errors.As(notReady, &appErr) || appErr.Resource != "report" {
		t.Errorf("expected resource 'report', got %+v", appErr)
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	err := Internal("store.update", sql.ErrConnDone)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Error("expected cause to be reachable via errors.Is")
	}
	if err.Error() != "store.update: "+sql.ErrConnDone.Error() {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "exists"), http.StatusConflict},
		{"not ready", NotReady("report", "pending"), http.StatusConflict},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"sentinel not ready", ErrNotReady, http.StatusConflict},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Validation("choice", "out of range"), CodeInvalidRequest},
		{"not found", NotFound("job", "123"), CodeNotFound},
		{"conflict", Conflict("job", "already completed"), CodeConflict},
		{"not ready", NotReady("personas", "pending"), CodeNotReady},
		{"wrapped not ready", fmt.Errorf("select: %w", ErrNotReady), CodeNotReady},
		{"internal", Internal("store.get", sql.ErrConnDone), CodeInternal},
		{"plain", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFieldOf(t *testing.T) {
	t.Parallel()

	if got := FieldOf(fmt.Errorf("create: %w", Validation("description", "required"))); got != "description" {
		t.Errorf("Expected field description, got %q", got)
	}
	if got := FieldOf(NotFound("job", "x")); got != "" {
		t.Errorf("Expected no field, got %q", got)
	}
	if got := FieldOf(errors.New("plain")); got != "" {
		t.Errorf("Expected no field for plain error, got %q", got)
	}
}
