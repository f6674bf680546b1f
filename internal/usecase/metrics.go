package usecase

import (
	"encoding/json"
	"time"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Metrics aggregates job counts by status, optionally scoped to one
// tenant, and announces the fresh summary on the bus so the snapshot
// recorder and WS observers pick it up.
func (s JobService) Metrics(ctx domain.Context, tenantID string) (domain.MetricsSummary, error) {
	var sum domain.MetricsSummary
	counts := []struct {
		status domain.JobStatus
		dst    *int64
	}{
		{domain.JobPending, &sum.PendingJobs},
		{domain.JobRunning, &sum.RunningJobs},
		{domain.JobCompleted, &sum.CompletedJobs},
		{domain.JobFailed, &sum.FailedJobs},
		{domain.JobDLQ, &sum.DLQJobs},
	}
	for _, c := range counts {
		n, err := s.Jobs.CountByStatus(ctx, c.status, tenantID)
		if err != nil {
			return domain.MetricsSummary{}, err
		}
		*c.dst = n
	}
	sum.TotalJobs = sum.PendingJobs + sum.RunningJobs + sum.CompletedJobs + sum.FailedJobs + sum.DLQJobs

	data, _ := json.Marshal(sum)
	s.Bus.Publish(domain.TopicMetricsUpdated, domain.Event{
		Topic:    domain.TopicMetricsUpdated,
		TenantID: tenantID,
		At:       time.Now().UTC(),
		Data:     data,
	})
	return sum, nil
}
