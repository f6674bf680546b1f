package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Memory is the in-memory backend: one type satisfying both the job
// repository and the queue ports. A single mutex around every operation
// gives it the same single-reader Dequeue guarantee as the SQL claim.
// It backs tests and is the sanctioned alternate queue backend.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	idem     map[string]string // tenantID + "\x00" + key -> job id
	dlq      []domain.DLQEntry
	leaseTTL time.Duration
	now      func() time.Time
}

// NewMemory constructs an empty in-memory backend.
func NewMemory(leaseTTL time.Duration) *Memory {
	return &Memory{
		jobs:     make(map[string]*domain.Job),
		idem:     make(map[string]string),
		leaseTTL: leaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, for tests.
func (m *Memory) WithNow(now func() time.Time) *Memory {
	m.now = now
	return m
}

func idemKey(tenantID, key string) string { return tenantID + "\x00" + key }

// Create inserts a pending job.
func (m *Memory) Create(_ domain.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now()
	}
	if j.IdempotencyKey != nil {
		k := idemKey(j.TenantID, *j.IdempotencyKey)
		if _, exists := m.idem[k]; exists {
			return "", fmt.Errorf("op=memq.create: %w", domain.ErrDuplicateIdempotency)
		}
		m.idem[k] = j.ID
	}
	j.Status = domain.JobPending
	j.RetryCount = 0
	cp := j
	m.jobs[j.ID] = &cp
	return j.ID, nil
}

// Get loads a job by id.
func (m *Memory) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=memq.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

// GetScoped loads a job by id within a tenant.
func (m *Memory) GetScoped(_ domain.Context, id, tenantID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("op=memq.get_scoped: %w", domain.ErrNotFound)
	}
	return *j, nil
}

// FindByIdempotencyKey loads the job submitted with key inside a tenant.
func (m *Memory) FindByIdempotencyKey(_ domain.Context, tenantID, key string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idem[idemKey(tenantID, key)]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=memq.find_idem: %w", domain.ErrNotFound)
	}
	return *m.jobs[id], nil
}

// CountByStatus counts jobs in status, optionally scoped to one tenant.
func (m *Memory) CountByStatus(_ domain.Context, status domain.JobStatus, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == status && (tenantID == "" || j.TenantID == tenantID) {
			n++
		}
	}
	return n, nil
}

// CountRunning is the quota specialization of CountByStatus.
func (m *Memory) CountRunning(ctx domain.Context, tenantID string) (int64, error) {
	return m.CountByStatus(ctx, domain.JobRunning, tenantID)
}

// LeaseOne claims the oldest leasable pending job under the lock.
func (m *Memory) LeaseOne(_ domain.Context, now time.Time, ttl time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *domain.Job
	for _, j := range m.jobs {
		if j.Status != domain.JobPending {
			continue
		}
		if j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	started := now
	expires := now.Add(ttl)
	oldest.Status = domain.JobRunning
	oldest.StartedAt = &started
	oldest.LeaseExpiresAt = &expires
	cp := *oldest
	return &cp, nil
}

// ExtendLease pushes the lease forward while the job is running and
// unexpired.
func (m *Memory) ExtendLease(_ domain.Context, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	now := m.now()
	if !ok || j.Status != domain.JobRunning || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	j.LeaseExpiresAt = &expires
	return true, nil
}

// Acknowledge records an attempt outcome. Only a running job (or a repeat
// with the same outcome) may be acknowledged; a stale worker that lost its
// lease to the reaper sees ErrInvalidState so terminal rows never flip back.
func (m *Memory) Acknowledge(_ domain.Context, id string, success bool, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("op=memq.acknowledge: %w", domain.ErrNotFound)
	}
	target := domain.JobFailed
	if success {
		target = domain.JobCompleted
	}
	if j.Status != domain.JobRunning && j.Status != target {
		return fmt.Errorf("op=memq.acknowledge: %w", domain.ErrInvalidState)
	}
	if success {
		j.Status = domain.JobCompleted
		j.ErrorMessage = nil
	} else {
		j.Status = domain.JobFailed
		j.ErrorMessage = errMsg
	}
	if j.CompletedAt == nil {
		now := m.now()
		j.CompletedAt = &now
	}
	j.LeaseExpiresAt = nil
	return nil
}

// BumpRetry returns a failed or reaped running job to pending.
func (m *Memory) BumpRetry(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != domain.JobFailed && j.Status != domain.JobRunning) {
		return fmt.Errorf("op=memq.bump_retry: %w", domain.ErrInvalidState)
	}
	j.RetryCount++
	j.Status = domain.JobPending
	j.LeaseExpiresAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = nil
	return nil
}

// MoveToDLQ archives the job and marks the original row dlq.
func (m *Memory) MoveToDLQ(_ domain.Context, j domain.Job, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[j.ID]
	if !ok || stored.Status == domain.JobDLQ {
		return fmt.Errorf("op=memq.move_to_dlq: %w", domain.ErrInvalidState)
	}
	now := m.now()
	stored.Status = domain.JobDLQ
	stored.CompletedAt = &now
	stored.ErrorMessage = &errMsg
	stored.LeaseExpiresAt = nil
	m.dlq = append(m.dlq, domain.DLQEntry{
		ID:            uuid.New().String(),
		OriginalJobID: j.ID,
		TenantID:      j.TenantID,
		Payload:       j.Payload,
		ErrorMessage:  &errMsg,
		RetryCount:    stored.RetryCount,
		FailedAt:      now,
		TraceID:       j.TraceID,
	})
	return nil
}

// ListByStatus lists jobs in status, newest first, capped by limit.
func (m *Memory) ListByStatus(_ domain.Context, status domain.JobStatus, tenantID string, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status == status && (tenantID == "" || j.TenantID == tenantID) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDLQ lists archive rows, newest failure first, capped by limit.
func (m *Memory) ListDLQ(_ domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []domain.DLQEntry
	for _, e := range m.dlq {
		if tenantID == "" || e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FailedAt.After(out[k].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpiredRunning pages running jobs whose lease lapsed before now.
func (m *Memory) ExpiredRunning(_ domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LeaseExpiresAt.Before(*out[k].LeaseExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Queue port, mirroring the store-backed strategy.

// Enqueue writes the job as pending.
func (m *Memory) Enqueue(ctx domain.Context, j domain.Job) (string, error) {
	return m.Create(ctx, j)
}

// Dequeue atomically leases the next job; nil means no work.
func (m *Memory) Dequeue(ctx domain.Context, _ string) (*domain.Job, error) {
	return m.LeaseOne(ctx, m.now(), m.leaseTTL)
}

// Lease extends the lease on a running job.
func (m *Memory) Lease(ctx domain.Context, jobID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.leaseTTL
	}
	return m.ExtendLease(ctx, jobID, ttl)
}

// Ack records the attempt outcome.
func (m *Memory) Ack(ctx domain.Context, jobID string, success bool, errMsg *string) error {
	return m.Acknowledge(ctx, jobID, success, errMsg)
}
