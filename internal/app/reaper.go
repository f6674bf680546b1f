package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Reaper recovers running jobs whose lease expired: crashed or stalled
// workers never acknowledge, so the reaper demotes their rows back to
// pending or to the DLQ once the retry budget is spent. It is safe to run
// one per binary; the status+expiry guards make concurrent sweeps settle
// on a single winner per row.
type Reaper struct {
	jobs      domain.JobRepository
	bus       domain.EventBus
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewReaper constructs a reaper sweeping every interval in pages of
// batchSize rows.
func NewReaper(jobs domain.JobRepository, bus domain.EventBus, interval time.Duration, batchSize int) *Reaper {
	if jobs == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reaper{
		jobs:      jobs,
		bus:       bus,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.jobs == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()

	span.SetAttributes(attribute.Int("jobs.batch_size", r.batchSize))

	totalReaped := 0
	for {
		jobs, err := r.jobs.ExpiredRunning(ctx, r.now(), r.batchSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("lease sweep failed to list expired jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}
		pageReaped := 0
		for _, j := range jobs {
			if r.reapOne(ctx, tracer, j) {
				pageReaped++
			}
		}
		totalReaped += pageReaped
		// a page where nothing moved would come straight back; stop here
		if pageReaped == 0 || len(jobs) < r.batchSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("jobs.total_reaped", totalReaped))

	if totalReaped > 0 {
		slog.Info("expired leases recovered", slog.Int("count", totalReaped))
	}
}

// reapOne demotes a single expired row. A lost race with the worker's own
// failure handling is benign: whoever transitions first wins.
func (r *Reaper) reapOne(ctx context.Context, tracer trace.Tracer, j domain.Job) bool {
	ctx, span := tracer.Start(ctx, "Reaper.reapOne")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.Int("job.retry_count", j.RetryCount),
	)

	const reason = "lease expired"
	var err error
	if j.CanRetry() {
		err = r.jobs.BumpRetry(ctx, j.ID)
	} else {
		err = r.jobs.MoveToDLQ(ctx, j, reason)
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidState):
		return false
	default:
		span.RecordError(err)
		slog.Error("lease sweep failed to demote job",
			slog.String("job_id", j.ID),
			slog.Any("error", err),
		)
		return false
	}

	observability.ReapLease()
	if j.CanRetry() {
		observability.RetryJob()
		retried := j
		retried.Status = domain.JobPending
		retried.RetryCount++
		ev := domain.JobEvent(domain.TopicJobRetry, retried)
		ev.ErrorMessage = reason
		r.publish(domain.TopicJobRetry, ev)
	} else {
		observability.DLQJob()
		dead := j
		dead.Status = domain.JobDLQ
		ev := domain.JobEvent(domain.TopicJobDLQ, dead)
		ev.ErrorMessage = reason
		r.publish(domain.TopicJobDLQ, ev)
	}
	return true
}

func (r *Reaper) publish(topic string, ev domain.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, ev)
}
