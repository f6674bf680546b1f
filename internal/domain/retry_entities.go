// Package domain defines the entities, ports and retry policy of the job
// queue core.
package domain

import (
	"errors"
	"time"
)

// RetryPolicy drives the in-worker backoff for transient store failures.
// It is distinct from a job's own retry budget: the budget counts failed
// processor attempts across leases, the policy only paces re-issuing a
// store call that hit a timeout, deadlock or serialization error.
type RetryPolicy struct {
	// MaxAttempts is the number of tries before the error is surfaced.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
}

// DefaultRetryPolicy returns the store-retry policy: 1s initial delay,
// factor 2, three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// DelayFor returns the backoff delay preceding the given attempt
// (attempt 0 is the first retry), capped at MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// IsTransientStore reports whether err should be retried against the store
// rather than failing the attempt.
func IsTransientStore(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsAdmissionRejection reports whether err is one of the caller-facing
// admission outcomes that must never be retried inside the core.
func IsAdmissionRejection(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDuplicateIdempotency)
}
