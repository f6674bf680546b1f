package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrQuotaExceeded        = errors.New("concurrency quota exceeded")
	ErrRateLimited          = errors.New("rate limited")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrTransientStore       = errors.New("transient store failure")
	ErrProcessorFailure     = errors.New("processor failure")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInternal             = errors.New("internal error")
)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=TenantRepository --with-expecter --filename=tenant_repository_mock.go
//go:generate mockery --name=MetricsRepository --with-expecter --filename=metrics_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=Processor --with-expecter --filename=processor_mock.go

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDLQ       JobStatus = "dlq"
)

// ValidStatus reports whether s is one of the five job states.
func ValidStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobDLQ:
		return true
	}
	return false
}

// MaxRetriesCap bounds the per-job retry budget a caller may request.
const MaxRetriesCap = 10

// Job is the unit of work.
// Invariants: RetryCount <= MaxRetries; Status running implies an unexpired
// lease at the instant of transition; CompletedAt set iff status is
// completed, failed or dlq.
type Job struct {
	ID             string
	TenantID       string
	Status         JobStatus
	Payload        json.RawMessage
	IdempotencyKey *string
	MaxRetries     int
	RetryCount     int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	LeaseExpiresAt *time.Time
	TraceID        string
}

// CanRetry reports whether the job still has retry budget left.
func (j Job) CanRetry() bool { return j.RetryCount < j.MaxRetries }

// Terminal reports whether the job reached a state with no further
// transitions.
func (j Job) Terminal() bool { return j.Status == JobCompleted || j.Status == JobDLQ }

// LeaseExpired reports whether a running job's lease has lapsed at now.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobRunning && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
}

// Tenant scopes quotas and rate limits. Rows are provisioned out of band
// and immutable from the runtime's perspective.
type Tenant struct {
	ID                 string
	APIKeyHash         string
	Name               string
	MaxConcurrentJobs  int
	RateLimitPerMinute int
	CreatedAt          time.Time
}

// DLQEntry is the append-only archive row for a job that exhausted its
// retry budget. Never mutated after insertion.
type DLQEntry struct {
	ID            string
	OriginalJobID string
	TenantID      string
	Payload       json.RawMessage
	ErrorMessage  *string
	RetryCount    int
	FailedAt      time.Time
	TraceID       string
}

// MetricsSummary is the on-demand aggregation over job counts, optionally
// scoped to one tenant.
type MetricsSummary struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	DLQJobs       int64 `json:"dlq_jobs"`
}

// Repositories (ports)

// JobRepository owns jobs and their DLQ archive. All methods are
// transactional; an empty tenantID means no tenant filter.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// GetScoped returns ErrNotFound for jobs owned by another tenant.
	GetScoped(ctx Context, id, tenantID string) (Job, error)
	FindByIdempotencyKey(ctx Context, tenantID, key string) (Job, error)
	CountByStatus(ctx Context, status JobStatus, tenantID string) (int64, error)
	CountRunning(ctx Context, tenantID string) (int64, error)
	// LeaseOne atomically claims the oldest leasable pending job, moving it
	// to running with a fresh lease. Returns nil when no job is available.
	// No two callers ever receive the same job from this method.
	LeaseOne(ctx Context, now time.Time, ttl time.Duration) (*Job, error)
	// ExtendLease pushes the lease forward while the row is still running
	// and unexpired; reports whether the extension took effect.
	ExtendLease(ctx Context, id string, ttl time.Duration) (bool, error)
	// Acknowledge records the outcome of an attempt: completed on success,
	// failed with errMsg otherwise. Idempotent for a repeated same outcome.
	Acknowledge(ctx Context, id string, success bool, errMsg *string) error
	// BumpRetry returns a failed job to pending with retry_count+1 and the
	// attempt columns cleared. CreatedAt is preserved so age order holds.
	BumpRetry(ctx Context, id string) error
	// MoveToDLQ archives the job and marks the original row dlq, in one
	// transaction.
	MoveToDLQ(ctx Context, j Job, errMsg string) error
	ListByStatus(ctx Context, status JobStatus, tenantID string, limit int) ([]Job, error)
	ListDLQ(ctx Context, tenantID string, limit int) ([]DLQEntry, error)
	// ExpiredRunning pages running jobs whose lease lapsed before now,
	// oldest lease first, for the reaper.
	ExpiredRunning(ctx Context, now time.Time, limit int) ([]Job, error)
}

type TenantRepository interface {
	Create(ctx Context, t Tenant) error
	Get(ctx Context, id string) (Tenant, error)
}

// MetricsRepository persists summary snapshots into the optional
// aggregation sink table.
type MetricsRepository interface {
	InsertSnapshot(ctx Context, at time.Time, s MetricsSummary) error
}

// Queue (port)

// Queue is a thin strategy over the store. Alternate backends must keep the
// single-reader guarantee of Dequeue.
type Queue interface {
	Enqueue(ctx Context, j Job) (string, error)
	// Dequeue atomically leases the next job; nil means no work. workerID
	// is carried for logging and event correlation only.
	Dequeue(ctx Context, workerID string) (*Job, error)
	Lease(ctx Context, jobID string, ttl time.Duration) (bool, error)
	Ack(ctx Context, jobID string, success bool, errMsg *string) error
}

// Processor (port)

// Processor executes one job payload. It must be idempotent: lease expiry
// can hand the same payload to a second worker.
type Processor interface {
	Process(ctx Context, payload json.RawMessage) (json.RawMessage, error)
}

// Context is an alias to allow decoupling from std context in domain
// signatures; adapters and usecases pass context.Context through.
type Context = context.Context
