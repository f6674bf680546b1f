// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/domain"
	"github.com/fairyhunter13/taskforge/internal/service/ratelimiter"
)

// JobService orchestrates job admission, submission, and lookups.
type JobService struct {
	Jobs    domain.JobRepository
	Queue   domain.Queue
	Limiter ratelimiter.Limiter
	Rates   *ratelimiter.Registry
	Bus     domain.EventBus
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobRepository, q domain.Queue, l ratelimiter.Limiter, r *ratelimiter.Registry, b domain.EventBus) JobService {
	return JobService{Jobs: j, Queue: q, Limiter: l, Rates: r, Bus: b}
}

// RateLimitedError carries the wait hint alongside the rate-limit
// rejection so the transport can emit a Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

// isJSONObject reports whether raw is a well-formed JSON object. The wire
// contract admits only objects, not bare scalars or arrays.
func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 || !json.Valid(raw) {
		return false
	}
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b == '{'
	}
	return false
}

// Submit admits and persists one job for tenant. Admission runs strictly
// in order: idempotency short-circuit, then concurrency quota, then rate
// limit. A duplicate idempotency key returns the existing job unchanged,
// whatever its status.
func (s JobService) Submit(ctx domain.Context, tenant domain.Tenant, payload json.RawMessage, idemKey *string, maxRetries int) (domain.Job, error) {
	if !isJSONObject(payload) {
		return domain.Job{}, fmt.Errorf("%w: payload must be a JSON object", domain.ErrInvalidArgument)
	}
	if maxRetries < 0 || maxRetries > domain.MaxRetriesCap {
		return domain.Job{}, fmt.Errorf("%w: max_retries must be between 0 and %d", domain.ErrInvalidArgument, domain.MaxRetriesCap)
	}

	if idemKey != nil && *idemKey != "" {
		existing, err := s.Jobs.FindByIdempotencyKey(ctx, tenant.ID, *idemKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Job{}, err
		}
	}

	running, err := s.Jobs.CountRunning(ctx, tenant.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if running >= int64(tenant.MaxConcurrentJobs) {
		observability.RejectAdmission("quota")
		return domain.Job{}, fmt.Errorf("%w: %d jobs running, limit %d", domain.ErrQuotaExceeded, running, tenant.MaxConcurrentJobs)
	}

	s.Rates.Set(tenant.ID, ratelimiter.NewBucketConfigFromPerMinute(tenant.RateLimitPerMinute))
	allowed, retryAfter, err := s.Limiter.Allow(ctx, tenant.ID, 1)
	if err != nil {
		return domain.Job{}, err
	}
	if !allowed {
		observability.RejectAdmission("rate")
		return domain.Job{}, &RateLimitedError{RetryAfter: retryAfter}
	}

	j := domain.Job{
		TenantID:   tenant.ID,
		Status:     domain.JobPending,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if idemKey != nil && *idemKey != "" {
		j.IdempotencyKey = idemKey
	}
	// Every job carries a trace id from birth; when no span is recording
	// (tracing disabled), mint one so events and logs still correlate.
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		j.TraceID = sc.TraceID().String()
	} else {
		j.TraceID = uuid.NewString()
	}

	id, err := s.Queue.Enqueue(ctx, j)
	if err != nil {
		// Two submitters raced on the same key; the unique index picked a
		// winner, fold into the short-circuit by re-reading.
		if errors.Is(err, domain.ErrDuplicateIdempotency) && idemKey != nil && *idemKey != "" {
			return s.Jobs.FindByIdempotencyKey(ctx, tenant.ID, *idemKey)
		}
		return domain.Job{}, err
	}

	created, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	observability.SubmitJob()
	s.Bus.Publish(domain.TopicJobSubmitted, domain.JobEvent(domain.TopicJobSubmitted, created))
	return created, nil
}

// Get loads one job; an empty tenantID skips the ownership check.
func (s JobService) Get(ctx domain.Context, jobID, tenantID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	if tenantID == "" {
		return s.Jobs.Get(ctx, jobID)
	}
	return s.Jobs.GetScoped(ctx, jobID, tenantID)
}

// ListByStatus lists jobs in status, newest first, capped by limit.
func (s JobService) ListByStatus(ctx domain.Context, status domain.JobStatus, tenantID string, limit int) ([]domain.Job, error) {
	if !domain.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	return s.Jobs.ListByStatus(ctx, status, tenantID, limit)
}

// ListDLQ lists dead-letter entries, newest failure first, capped by limit.
func (s JobService) ListDLQ(ctx domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	return s.Jobs.ListDLQ(ctx, tenantID, limit)
}
