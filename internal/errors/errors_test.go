package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

func TestSyncErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"transient", Transient("fetch_subscriber", "u1", errors.New("503")), ErrAuthorityTransient, true},
		{"storage", Storage("compare_and_swap", errors.New("disk")), ErrStorage, true},
		{"conflict", New(ErrorTypeConflict, "process_event", errors.New("version moved")), ErrConflict, true},
		{"malformed type", Malformed("validate", "e1", errors.New("bad")), ErrMalformedEvent, true},
		{"malformed wrapped", fmt.Errorf("decode: %w", entitlements.ErrMalformedEvent), ErrMalformedEvent, true},
		{"mismatch", Storage("get", errors.New("disk")), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}

func TestSyncErrorMessage(t *testing.T) {
	err := Malformed("validate", "evt-9", errors.New("missing user"))
	if got := err.Error(); got != "validate failed for event evt-9: missing user" {
		t.Fatalf("unexpected message %q", got)
	}

	err = Transient("fetch_subscriber", "u1", errors.New("timeout"))
	if got := err.Error(); got != "fetch_subscriber failed for user u1: timeout" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(Transient("fetch", "u1", errors.New("x"))) {
		t.Fatal("expected transient authority failure to be retryable")
	}
	if IsRetryableError(Malformed("validate", "e1", errors.New("x"))) {
		t.Fatal("expected malformed event to be permanent")
	}
	if !IsRetryableError(fmt.Errorf("wrapped: %w", ErrConflict)) {
		t.Fatal("expected bare conflict sentinel to be retryable")
	}
	if IsRetryableError(errors.New("plain")) {
		t.Fatal("expected plain error to be permanent")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", entitlements.ErrMalformedEvent), ErrorTypeMalformed},
		{fmt.Errorf("x: %w", entitlements.ErrInvariantViolation), ErrorTypeProgrammer},
		{New(ErrorTypeDuplicate, "record", errors.New("seen")), ErrorTypeDuplicate},
		{errors.New("disk full"), ErrorTypeStorage},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
