package postgres

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// MetricsRepo appends summary snapshots into the metrics sink table. The
// sink is an audit trail for dashboards; the live summary always comes
// from counting the jobs table.
type MetricsRepo struct{ Pool PgxPool }

// NewMetricsRepo constructs a MetricsRepo with the given pool.
func NewMetricsRepo(p PgxPool) *MetricsRepo { return &MetricsRepo{Pool: p} }

// InsertSnapshot appends one summary row.
func (r *MetricsRepo) InsertSnapshot(ctx domain.Context, at time.Time, s domain.MetricsSummary) error {
	tracer := otel.Tracer("repo.metrics")
	ctx, span := tracer.Start(ctx, "metrics.InsertSnapshot")
	defer span.End()
	q := `INSERT INTO metrics (id, recorded_at, total_jobs, pending_jobs, running_jobs, completed_jobs, failed_jobs, dlq_jobs)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, uuid.New().String(), at.UTC(),
		s.TotalJobs, s.PendingJobs, s.RunningJobs, s.CompletedJobs, s.FailedJobs, s.DLQJobs)
	if err != nil {
		return mapStoreErr("metrics.insert_snapshot", err)
	}
	return nil
}
