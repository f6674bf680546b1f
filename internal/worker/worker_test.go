package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskforge/internal/adapter/queue"
	"github.com/fairyhunter13/taskforge/internal/domain"
)

type busRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *busRecorder) Publish(_ string, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *busRecorder) Subscribe(_ string, _ func(domain.Event)) func() { return func() {} }

func (b *busRecorder) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Topic)
	}
	return out
}

func (b *busRecorder) last(topic string) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Topic == topic {
			return b.events[i], true
		}
	}
	return domain.Event{}, false
}

func fastPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestWorker(proc domain.Processor) (*Worker, *queue.Memory, *busRecorder) {
	mem := queue.NewMemory(time.Minute)
	bus := &busRecorder{}
	w := New("worker-1", Config{
		Queue:        mem,
		Jobs:         mem,
		Processor:    proc,
		Bus:          bus,
		PollInterval: 5 * time.Millisecond,
		StoreRetry:   fastPolicy(),
	})
	return w, mem, bus
}

func submit(t *testing.T, mem *queue.Memory, payload string, maxRetries int) string {
	t.Helper()
	id, err := mem.Create(context.Background(), domain.Job{
		TenantID:   "t1",
		Payload:    json.RawMessage(payload),
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return id
}

func TestRunOnce_NoWork(t *testing.T) {
	t.Parallel()
	w, _, bus := newTestWorker(SimulatedProcessor{})

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.False(t, worked)
	require.Empty(t, bus.topics())
}

func TestRunOnce_Success(t *testing.T) {
	t.Parallel()
	w, mem, bus := newTestWorker(SimulatedProcessor{})
	id := submit(t, mem, `{"n":1}`, 3)

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	j, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, j.Status)
	require.Nil(t, j.ErrorMessage)
	require.NotNil(t, j.CompletedAt)

	require.Equal(t, []string{domain.TopicJobStarted, domain.TopicJobCompleted}, bus.topics())
	started, ok := bus.last(domain.TopicJobStarted)
	require.True(t, ok)
	require.Equal(t, "worker-1", started.WorkerID)
	done, ok := bus.last(domain.TopicJobCompleted)
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(done.Data))
}

func TestRunOnce_FailureRetries(t *testing.T) {
	t.Parallel()
	w, mem, bus := newTestWorker(SimulatedProcessor{})
	id := submit(t, mem, `{"error":true,"error_message":"boom"}`, 2)

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	j, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, j.Status)
	require.Equal(t, 1, j.RetryCount)

	require.Equal(t, []string{domain.TopicJobStarted, domain.TopicJobFailed, domain.TopicJobRetry}, bus.topics())
	failed, ok := bus.last(domain.TopicJobFailed)
	require.True(t, ok)
	require.Contains(t, failed.ErrorMessage, "boom")
	retried, ok := bus.last(domain.TopicJobRetry)
	require.True(t, ok)
	require.Equal(t, 1, retried.RetryCount)
}

func TestRunOnce_FailureExhaustsToDLQ(t *testing.T) {
	t.Parallel()
	w, mem, bus := newTestWorker(SimulatedProcessor{})
	id := submit(t, mem, `{"error":true,"error_message":"boom"}`, 0)

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	j, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobDLQ, j.Status)

	entries, err := mem.ListDLQ(context.Background(), "t1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].OriginalJobID)

	require.Equal(t, []string{domain.TopicJobStarted, domain.TopicJobFailed, domain.TopicJobDLQ}, bus.topics())
}

func TestRunOnce_RetryUntilExhaustion(t *testing.T) {
	t.Parallel()
	w, mem, _ := newTestWorker(SimulatedProcessor{})
	id := submit(t, mem, `{"error":true}`, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		worked, err := w.runOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	j, err := mem.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobDLQ, j.Status)
	require.Equal(t, 2, j.RetryCount)
}

type panicProcessor struct{}

func (panicProcessor) Process(domain.Context, json.RawMessage) (json.RawMessage, error) {
	panic("kaboom")
}

func TestRunOnce_ProcessorPanicIsFailure(t *testing.T) {
	t.Parallel()
	w, mem, bus := newTestWorker(panicProcessor{})
	id := submit(t, mem, `{}`, 0)

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	j, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobDLQ, j.Status)

	failed, ok := bus.last(domain.TopicJobFailed)
	require.True(t, ok)
	require.Contains(t, failed.ErrorMessage, "kaboom")
}

// reapingQueue leases a job and immediately buries it, simulating a lease
// that expires and gets reaped while the worker is still processing.
type reapingQueue struct {
	*queue.Memory
}

func (q *reapingQueue) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	j, err := q.Memory.Dequeue(ctx, workerID)
	if err != nil || j == nil {
		return j, err
	}
	if err := q.Memory.MoveToDLQ(ctx, *j, "lease expired"); err != nil {
		return nil, err
	}
	return j, nil
}

func TestRunOnce_AckAfterReapLeavesTerminalStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		payload string
	}{
		{"successful attempt", `{"n":1}`},
		{"failed attempt", `{"error":true,"error_message":"kaboom"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mem := queue.NewMemory(time.Minute)
			bus := &busRecorder{}
			w := New("worker-1", Config{
				Queue:        &reapingQueue{mem},
				Jobs:         mem,
				Processor:    SimulatedProcessor{},
				Bus:          bus,
				PollInterval: 5 * time.Millisecond,
				StoreRetry:   fastPolicy(),
			})
			id := submit(t, mem, tc.payload, 0)

			worked, err := w.runOnce(context.Background())
			require.True(t, worked)
			require.NoError(t, err)

			// The reaper's transition stands; dlq is terminal.
			got, err := mem.Get(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, domain.JobDLQ, got.Status)
		})
	}
}

type flakyQueue struct {
	domain.Queue
	mu       sync.Mutex
	failures int
	calls    int
}

func (q *flakyQueue) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	q.mu.Lock()
	q.calls++
	fail := q.calls <= q.failures
	q.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("op=test.dequeue: %w", domain.ErrTransientStore)
	}
	return q.Queue.Dequeue(ctx, workerID)
}

func TestRunOnce_TransientDequeueRetried(t *testing.T) {
	t.Parallel()
	mem := queue.NewMemory(time.Minute)
	fq := &flakyQueue{Queue: mem, failures: 2}
	bus := &busRecorder{}
	w := New("worker-1", Config{
		Queue:        fq,
		Jobs:         mem,
		Processor:    SimulatedProcessor{},
		Bus:          bus,
		PollInterval: 5 * time.Millisecond,
		StoreRetry:   fastPolicy(),
	})
	id := submit(t, mem, `{"n":1}`, 3)

	worked, err := w.runOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, 3, fq.calls)

	j, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, j.Status)
}

func TestRunOnce_TransientBudgetExhausted(t *testing.T) {
	t.Parallel()
	mem := queue.NewMemory(time.Minute)
	fq := &flakyQueue{Queue: mem, failures: 10}
	w := New("worker-1", Config{
		Queue:        fq,
		Jobs:         mem,
		Processor:    SimulatedProcessor{},
		Bus:          &busRecorder{},
		PollInterval: 5 * time.Millisecond,
		StoreRetry:   fastPolicy(),
	})

	_, err := w.runOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrTransientStore)
	require.Equal(t, 3, fq.calls)
}

func TestRetryStore_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWorker(SimulatedProcessor{})

	calls := 0
	sentinel := errors.New("hard failure")
	err := w.retryStore(context.Background(), func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	w, _, _ := newTestWorker(SimulatedProcessor{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
