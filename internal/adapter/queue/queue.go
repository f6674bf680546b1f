// Package queue provides the queue strategies over the job store. The
// store-backed implementation is the production path; Memory is the
// alternate backend used by tests. Both keep the single-reader guarantee
// of Dequeue.
package queue

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Store is the store-backed queue: a thin strategy delegating to the job
// repository's atomic lease operations. workerID is carried for logging
// only; the lease itself is anonymous.
type Store struct {
	jobs     domain.JobRepository
	leaseTTL time.Duration
}

// NewStore constructs the store-backed queue with the worker lease TTL.
func NewStore(jobs domain.JobRepository, leaseTTL time.Duration) *Store {
	return &Store{jobs: jobs, leaseTTL: leaseTTL}
}

// Enqueue writes the job as pending.
func (q *Store) Enqueue(ctx domain.Context, j domain.Job) (string, error) {
	return q.jobs.Create(ctx, j)
}

// Dequeue atomically leases the oldest leasable pending job; nil means no
// work.
func (q *Store) Dequeue(ctx domain.Context, workerID string) (*domain.Job, error) {
	j, err := q.jobs.LeaseOne(ctx, time.Now().UTC(), q.leaseTTL)
	if err != nil {
		return nil, err
	}
	if j != nil {
		slog.Debug("job leased",
			slog.String("worker_id", workerID),
			slog.String("job_id", j.ID),
			slog.String("tenant_id", j.TenantID),
			slog.String("trace_id", j.TraceID))
	}
	return j, nil
}

// Lease extends the lease on an already-running job.
func (q *Store) Lease(ctx domain.Context, jobID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = q.leaseTTL
	}
	return q.jobs.ExtendLease(ctx, jobID, ttl)
}

// Ack records the attempt outcome.
func (q *Store) Ack(ctx domain.Context, jobID string, success bool, errMsg *string) error {
	return q.jobs.Acknowledge(ctx, jobID, success, errMsg)
}
