package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("taskId", "task ID is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "task ID is required" {
		t.Errorf("expected message 'task ID is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "taskId" {
		t.Errorf("expected field 'taskId', got %q", appErr.Field)
	}
	if appErr.Retryable {
		t.Error("validation errors must not be retryable")
	}
}

func TestTransport(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection refused")
	err := Transport("neurosnap", "httpjson.submit", cause)

	if !errors.Is(err, ErrProviderTransport) {
		t.Error("expected error to match ErrProviderTransport")
	}
	if !IsRetryable(err) {
		t.Error("transport errors must be retryable")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Provider != "neurosnap" {
		t.Errorf("expected provider 'neurosnap', got %q", appErr.Provider)
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestRejected(t *testing.T) {
	t.Parallel()
	err := Rejected("vina-local", "invalid payload: missing receptor")

	if !errors.Is(err, ErrProviderRejected) {
		t.Error("expected error to match ErrProviderRejected")
	}
	if IsRetryable(err) {
		t.Error("rejections must not be retryable against the same provider")
	}
}

func TestIncomplete(t *testing.T) {
	t.Parallel()
	err := Incomplete("neurosnap", "structure_file")

	if !errors.Is(err, ErrIncompleteResult) {
		t.Error("expected error to match ErrIncompleteResult")
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "structure_file" {
		t.Errorf("expected field 'structure_file', got %q", appErr.Field)
	}
}

func TestCircular(t *testing.T) {
	t.Parallel()
	err := Circular([]string{"prep", "dock", "score", "prep"})

	if !errors.Is(err, ErrCircularDependency) {
		t.Error("expected error to match ErrCircularDependency")
	}
	want := "pipeline contains a cycle: prep -> dock -> score -> prep"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Validation("f", "m"), "validation error"},
		{"mapping", Mapping("f", "m"), "mapping error"},
		{"no provider", NoProvider("echo@1.0.0", "none registered"), "no compatible provider"},
		{"rejected", Rejected("p", "m"), "provider rejected request"},
		{"wrapped", fmt.Errorf("wrap: %w", Incomplete("p", "out")), "incomplete result"},
		{"plain", fmt.Errorf("boom"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
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
		{"mapping", Mapping("f", "bad template"), http.StatusUnprocessableEntity},
		{"no provider", NoProvider("t@1", "none"), http.StatusUnprocessableEntity},
		{"circular", Circular([]string{"a", "b", "a"}), http.StatusUnprocessableEntity},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("job", "123", "exists"), http.StatusConflict},
		{"not complete", NotComplete("job", "123", "running"), http.StatusConflict},
		{"transport", Transport("p", "op", fmt.Errorf("timeout")), http.StatusInternalServerError},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := Rejected("vina-local", "bad payload")
	wrapped := fmt.Errorf("submit failed: %w", original)
	doubleWrapped := fmt.Errorf("job attempt 1: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrProviderRejected) {
		t.Error("expected errors.Is to find ErrProviderRejected through multiple wraps")
	}
}
