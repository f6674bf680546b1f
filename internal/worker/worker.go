// Package worker runs the polling consumers that lease, execute and
// acknowledge jobs, plus the pool supervising them.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/taskforge/internal/adapter/observability"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

// Config carries the shared dependencies and pacing for every worker in a
// pool.
type Config struct {
	Queue        domain.Queue
	Jobs         domain.JobRepository
	Processor    domain.Processor
	Bus          domain.EventBus
	PollInterval time.Duration
	StoreRetry   domain.RetryPolicy
}

// Worker is one polling consumer. It owns no jobs between iterations; all
// state lives in the store.
type Worker struct {
	id  string
	cfg Config
}

// New constructs a worker with the given stable id.
func New(id string, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StoreRetry.MaxAttempts <= 0 {
		cfg.StoreRetry = domain.DefaultRetryPolicy()
	}
	return &Worker{id: id, cfg: cfg}
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. An empty queue and a store hiccup both
// back off for one poll interval; neither stops the loop.
func (w *Worker) Run(ctx domain.Context) {
	slog.Info("worker started", slog.String("worker_id", w.id))
	for {
		worked, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("worker stopped", slog.String("worker_id", w.id))
			return
		}
		if err != nil {
			slog.Error("worker iteration failed",
				slog.String("worker_id", w.id),
				slog.String("error", err.Error()),
			)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", slog.String("worker_id", w.id))
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// runOnce leases at most one job and drives it to an acknowledged outcome.
// The returned bool reports whether a job was leased.
func (w *Worker) runOnce(ctx domain.Context) (bool, error) {
	var j *domain.Job
	err := w.retryStore(ctx, func() error {
		var derr error
		j, derr = w.cfg.Queue.Dequeue(ctx, w.id)
		return derr
	})
	if err != nil {
		return false, fmt.Errorf("op=worker.dequeue: %w", err)
	}
	if j == nil {
		return false, nil
	}

	ev := domain.JobEvent(domain.TopicJobStarted, *j)
	ev.WorkerID = w.id
	w.cfg.Bus.Publish(domain.TopicJobStarted, ev)
	observability.StartProcessingJob()
	started := time.Now()

	slog.Info("job leased",
		slog.String("worker_id", w.id),
		slog.String("job_id", j.ID),
		slog.String("tenant_id", j.TenantID),
		slog.Int("retry_count", j.RetryCount),
	)

	result, perr := w.process(ctx, j.Payload)
	if perr == nil {
		return true, w.complete(ctx, j, result, started)
	}
	return true, w.fail(ctx, j, perr, started)
}

// process invokes the processor, converting a panic into a processor
// failure so the attempt is acknowledged rather than lost.
func (w *Worker) process(ctx domain.Context, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrProcessorFailure, r)
		}
	}()
	return w.cfg.Processor.Process(ctx, payload)
}

func (w *Worker) complete(ctx domain.Context, j *domain.Job, result []byte, started time.Time) error {
	if err := w.retryStore(ctx, func() error {
		return w.cfg.Queue.Ack(ctx, j.ID, true, nil)
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// the lease expired and the reaper already rerouted the job
			slog.Debug("ack lost lease race",
				slog.String("worker_id", w.id),
				slog.String("job_id", j.ID),
			)
			return nil
		}
		return fmt.Errorf("op=worker.ack_success: %w", err)
	}
	observability.CompleteJob(started)

	done := *j
	done.Status = domain.JobCompleted
	ev := domain.JobEvent(domain.TopicJobCompleted, done)
	ev.WorkerID = w.id
	ev.Data = result
	w.cfg.Bus.Publish(domain.TopicJobCompleted, ev)
	return nil
}

// fail acknowledges the attempt as FAILED first, then routes the job to
// another retry or the DLQ based on its remaining budget.
func (w *Worker) fail(ctx domain.Context, j *domain.Job, perr error, started time.Time) error {
	msg := perr.Error()
	if err := w.retryStore(ctx, func() error {
		return w.cfg.Queue.Ack(ctx, j.ID, false, &msg)
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			slog.Debug("ack lost lease race",
				slog.String("worker_id", w.id),
				slog.String("job_id", j.ID),
			)
			return nil
		}
		return fmt.Errorf("op=worker.ack_failure: %w", err)
	}
	observability.FailJob(started)

	var current domain.Job
	if err := w.retryStore(ctx, func() error {
		var gerr error
		current, gerr = w.cfg.Jobs.Get(ctx, j.ID)
		return gerr
	}); err != nil {
		return fmt.Errorf("op=worker.reload: %w", err)
	}

	ev := domain.JobEvent(domain.TopicJobFailed, current)
	ev.WorkerID = w.id
	ev.ErrorMessage = msg
	w.cfg.Bus.Publish(domain.TopicJobFailed, ev)

	if current.CanRetry() {
		err := w.retryStore(ctx, func() error {
			return w.cfg.Jobs.BumpRetry(ctx, j.ID)
		})
		switch {
		case err == nil:
			observability.RetryJob()
			retried := current
			retried.Status = domain.JobPending
			retried.RetryCount++
			rev := domain.JobEvent(domain.TopicJobRetry, retried)
			rev.WorkerID = w.id
			rev.ErrorMessage = msg
			w.cfg.Bus.Publish(domain.TopicJobRetry, rev)
		case errors.Is(err, domain.ErrInvalidState):
			// the reaper got there first; its transition stands
			slog.Debug("retry transition lost race",
				slog.String("worker_id", w.id),
				slog.String("job_id", j.ID),
			)
		default:
			return fmt.Errorf("op=worker.bump_retry: %w", err)
		}
		return nil
	}

	err := w.retryStore(ctx, func() error {
		return w.cfg.Jobs.MoveToDLQ(ctx, current, msg)
	})
	switch {
	case err == nil:
		observability.DLQJob()
		dead := current
		dead.Status = domain.JobDLQ
		dev := domain.JobEvent(domain.TopicJobDLQ, dead)
		dev.WorkerID = w.id
		dev.ErrorMessage = msg
		w.cfg.Bus.Publish(domain.TopicJobDLQ, dev)
	case errors.Is(err, domain.ErrInvalidState):
		slog.Debug("dlq transition lost race",
			slog.String("worker_id", w.id),
			slog.String("job_id", j.ID),
		)
	default:
		return fmt.Errorf("op=worker.move_to_dlq: %w", err)
	}
	return nil
}

// retryStore re-issues op through the exponential policy while it keeps
// failing transiently; any other error is surfaced on the spot.
func (w *Worker) retryStore(ctx domain.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.cfg.StoreRetry.InitialDelay
	expo.MaxInterval = w.cfg.StoreRetry.MaxDelay
	expo.Multiplier = w.cfg.StoreRetry.Multiplier
	expo.MaxElapsedTime = 0
	expo.RandomizationFactor = 0

	retries := uint64(0)
	if w.cfg.StoreRetry.MaxAttempts > 1 {
		retries = uint64(w.cfg.StoreRetry.MaxAttempts - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || domain.IsTransientStore(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}
