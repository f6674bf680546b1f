package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// jobColumns is the canonical select list; scanJob must match it.
const jobColumns = `id, tenant_id, status, payload, idempotency_key, max_retries, retry_count, created_at, started_at, completed_at, error_message, lease_expires_at, trace_id`

// JobRepo persists and loads jobs and their DLQ archive from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.Payload, &j.IdempotencyKey,
		&j.MaxRetries, &j.RetryCount, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.ErrorMessage, &j.LeaseExpiresAt, &j.TraceID)
	return j, err
}

// Create inserts a new pending job and returns its id. A concurrent insert
// with the same (tenant_id, idempotency_key) pair hits the partial unique
// index and surfaces ErrDuplicateIdempotency.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, tenant_id, status, payload, idempotency_key, max_retries, retry_count, created_at, trace_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, j.TenantID, domain.JobPending, j.Payload, j.IdempotencyKey, j.MaxRetries, 0, createdAt, j.TraceID)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=jobs.create: %w", domain.ErrDuplicateIdempotency)
		}
		return "", mapStoreErr("jobs.create", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, mapStoreErr("jobs.get", err)
	}
	return j, nil
}

// GetScoped loads a job by id, returning ErrNotFound for jobs owned by a
// different tenant so foreign ids are indistinguishable from missing ones.
func (r *JobRepo) GetScoped(ctx domain.Context, id, tenantID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetScoped")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 AND tenant_id=$2`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, tenantID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get_scoped: %w", domain.ErrNotFound)
		}
		return domain.Job{}, mapStoreErr("jobs.get_scoped", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads the job submitted with key inside a tenant.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, tenantID, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1 AND idempotency_key=$2 LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, tenantID, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, mapStoreErr("jobs.find_idem", err)
	}
	return j, nil
}

// CountByStatus counts jobs in status, optionally scoped to one tenant.
func (r *JobRepo) CountByStatus(ctx domain.Context, status domain.JobStatus, tenantID string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	var n int64
	var err error
	if tenantID == "" {
		err = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1`, status).Scan(&n)
	} else {
		err = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1 AND tenant_id=$2`, status, tenantID).Scan(&n)
	}
	if err != nil {
		return 0, mapStoreErr("jobs.count_by_status", err)
	}
	return n, nil
}

// CountRunning is the quota specialization of CountByStatus.
func (r *JobRepo) CountRunning(ctx domain.Context, tenantID string) (int64, error) {
	return r.CountByStatus(ctx, domain.JobRunning, tenantID)
}

// LeaseOne atomically claims the oldest leasable pending job. The claim is
// one statement: the CTE picks a row under FOR UPDATE SKIP LOCKED so
// concurrent callers pass over each other's candidate instead of blocking,
// and the UPDATE upgrades it to running with a fresh lease. nil means no
// work. No two callers ever receive the same job.
func (r *JobRepo) LeaseOne(ctx domain.Context, now time.Time, ttl time.Duration) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LeaseOne")
	defer span.End()
	q := `
	WITH next AS (
		SELECT id
		FROM jobs
		WHERE status = 'pending'
		  AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE jobs
	SET status = 'running',
	    started_at = $1,
	    lease_expires_at = $2
	WHERE id = (SELECT id FROM next)
	RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, now, now.Add(ttl)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, mapStoreErr("jobs.lease_one", err)
	}
	return &j, nil
}

// ExtendLease pushes the lease forward while the row is still running and
// unexpired; reports whether the extension took effect.
func (r *JobRepo) ExtendLease(ctx domain.Context, id string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExtendLease")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET lease_expires_at=$2 WHERE id=$1 AND status='running' AND lease_expires_at > $3`
	tag, err := r.Pool.Exec(ctx, q, id, now.Add(ttl), now)
	if err != nil {
		return false, mapStoreErr("jobs.extend_lease", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Acknowledge records an attempt outcome: completed on success, failed with
// errMsg otherwise. The status guard only admits the transition from
// running (or a repeat with the same outcome, which is a no-op thanks to
// the COALESCE on completed_at); a stale worker acknowledging after the
// reaper already demoted the job sees ErrInvalidState and the reaper's
// transition stands. Terminal rows never flip back.
func (r *JobRepo) Acknowledge(ctx domain.Context, id string, success bool, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Acknowledge")
	defer span.End()
	status := domain.JobFailed
	if success {
		status = domain.JobCompleted
		errMsg = nil
	}
	q := `UPDATE jobs
	      SET status=$2, error_message=$3, completed_at=COALESCE(completed_at, $4), lease_expires_at=NULL
	      WHERE id=$1 AND status IN ('running', $2)`
	tag, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC())
	if err != nil {
		return mapStoreErr("jobs.acknowledge", err)
	}
	if tag.RowsAffected() == 0 {
		var cur domain.JobStatus
		err := r.Pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1`, id).Scan(&cur)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=jobs.acknowledge: %w", domain.ErrNotFound)
		}
		if err != nil {
			return mapStoreErr("jobs.acknowledge", err)
		}
		return fmt.Errorf("op=jobs.acknowledge: %w", domain.ErrInvalidState)
	}
	return nil
}

// BumpRetry returns a failed (or reaped running) job to pending with
// retry_count+1 and every attempt column cleared. created_at is preserved
// so age order holds. The status guard keeps a worker and a reaper from
// bumping the same job twice; the loser sees ErrInvalidState.
func (r *JobRepo) BumpRetry(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.BumpRetry")
	defer span.End()
	q := `UPDATE jobs
	      SET retry_count = retry_count + 1,
	          status = 'pending',
	          lease_expires_at = NULL,
	          started_at = NULL,
	          completed_at = NULL,
	          error_message = NULL
	      WHERE id = $1 AND status IN ('failed','running')`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return mapStoreErr("jobs.bump_retry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.bump_retry: %w", domain.ErrInvalidState)
	}
	return nil
}

// MoveToDLQ archives the job and marks the original row dlq, in one
// transaction. The status guard makes the archive append-exactly-once
// under a worker/reaper race.
func (r *JobRepo) MoveToDLQ(ctx domain.Context, j domain.Job, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MoveToDLQ")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapStoreErr("jobs.move_to_dlq.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE jobs
	      SET status='dlq', completed_at=$2, error_message=$3, lease_expires_at=NULL
	      WHERE id=$1 AND status != 'dlq'`, j.ID, now, errMsg)
	if err != nil {
		return mapStoreErr("jobs.move_to_dlq.update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.move_to_dlq: %w", domain.ErrInvalidState)
	}

	_, err = tx.Exec(ctx, `INSERT INTO dlq (id, original_job_id, tenant_id, payload, error_message, retry_count, failed_at, trace_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		uuid.New().String(), j.ID, j.TenantID, j.Payload, errMsg, j.RetryCount, now, j.TraceID)
	if err != nil {
		return mapStoreErr("jobs.move_to_dlq.insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapStoreErr("jobs.move_to_dlq.commit", err)
	}
	return nil
}

// ListByStatus lists jobs in status ordered newest first, optionally scoped
// to one tenant and capped by limit.
func (r *JobRepo) ListByStatus(ctx domain.Context, status domain.JobStatus, tenantID string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByStatus")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if tenantID == "" {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND tenant_id=$2 ORDER BY created_at DESC LIMIT $3`, status, tenantID, limit)
	}
	if err != nil {
		return nil, mapStoreErr("jobs.list_by_status", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapStoreErr("jobs.list_by_status.scan", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr("jobs.list_by_status.rows", err)
	}
	return out, nil
}

// ListDLQ lists archive rows, newest failure first.
func (r *JobRepo) ListDLQ(ctx domain.Context, tenantID string, limit int) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListDLQ")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	const cols = `id, original_job_id, tenant_id, payload, error_message, retry_count, failed_at, trace_id`
	var rows pgx.Rows
	var err error
	if tenantID == "" {
		rows, err = r.Pool.Query(ctx, `SELECT `+cols+` FROM dlq ORDER BY failed_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.Pool.Query(ctx, `SELECT `+cols+` FROM dlq WHERE tenant_id=$1 ORDER BY failed_at DESC LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, mapStoreErr("jobs.list_dlq", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		var e domain.DLQEntry
		if err := rows.Scan(&e.ID, &e.OriginalJobID, &e.TenantID, &e.Payload, &e.ErrorMessage, &e.RetryCount, &e.FailedAt, &e.TraceID); err != nil {
			return nil, mapStoreErr("jobs.list_dlq.scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr("jobs.list_dlq.rows", err)
	}
	return out, nil
}

// ExpiredRunning pages running jobs whose lease lapsed before now, oldest
// lease first, for the reaper.
func (r *JobRepo) ExpiredRunning(ctx domain.Context, now time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExpiredRunning")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
	      WHERE status='running' AND lease_expires_at < $1
	      ORDER BY lease_expires_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, mapStoreErr("jobs.expired_running", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapStoreErr("jobs.expired_running.scan", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr("jobs.expired_running.rows", err)
	}
	return out, nil
}
