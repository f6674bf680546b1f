package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts to be 3, got %d", p.MaxAttempts)
	}
	if p.InitialDelay != 1*time.Second {
		t.Errorf("Expected InitialDelay to be 1s, got %v", p.InitialDelay)
	}
	if p.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay to be 30s, got %v", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier to be 2.0, got %f", p.Multiplier)
	}
}

func TestRetryPolicyDelayFor(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{9, 10 * time.Second}, // still capped
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := p.DelayFor(tt.attempt); got != tt.want {
				t.Errorf("DelayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestIsTransientStore(t *testing.T) {
	wrapped := fmt.Errorf("op=job.lease_one: %w", ErrTransientStore)

	if !IsTransientStore(ErrTransientStore) {
		t.Errorf("Expected bare sentinel to be transient")
	}
	if !IsTransientStore(wrapped) {
		t.Errorf("Expected wrapped sentinel to be transient")
	}
	if IsTransientStore(ErrNotFound) {
		t.Errorf("Expected ErrNotFound to not be transient")
	}
	if IsTransientStore(errors.New("random")) {
		t.Errorf("Expected unknown error to not be transient")
	}
}

func TestIsAdmissionRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"quota", fmt.Errorf("op=submit: %w", ErrQuotaExceeded), true},
		{"rate", ErrRateLimited, true},
		{"duplicate", ErrDuplicateIdempotency, true},
		{"not found", ErrNotFound, false},
		{"transient", ErrTransientStore, false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAdmissionRejection(tt.err); got != tt.want {
				t.Errorf("IsAdmissionRejection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
