package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", Invalid("name is empty"), http.StatusBadRequest},
		{"wrapped invalid", fmt.Errorf("admit: %w", ErrInvalidInput), http.StatusBadRequest},
		{"duplicate", ErrDuplicate, http.StatusConflict},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"unavailable", Unavailable("catalog exists", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("confirm: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusCode(tc.err); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("catalog exists", cause)
	if !errors.Is(err, ErrCollaboratorUnavailable) {
		t.Error("expected ErrCollaboratorUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected original cause to be preserved")
	}
	if !IsRetryable(err) {
		t.Error("unavailable must be retryable")
	}
	if IsRetryable(ErrInvalidInput) {
		t.Error("invalid input must not be retryable")
	}
}
