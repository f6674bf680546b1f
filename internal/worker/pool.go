package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool supervises a fixed set of workers sharing one queue.
type Pool struct {
	size  int
	grace time.Duration
	cfg   Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a pool of size workers. grace bounds how long Stop waits
// for in-flight jobs before abandoning them.
func NewPool(size int, grace time.Duration, cfg Config) *Pool {
	if size <= 0 {
		size = 1
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Pool{size: size, grace: grace, cfg: cfg}
}

// Start launches the workers as worker-1..N on a run context derived from
// ctx. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 1; i <= p.size; i++ {
		w := New(fmt.Sprintf("worker-%d", i), p.cfg)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(runCtx)
		}()
	}
	slog.Info("worker pool started", slog.Int("size", p.size))
}

// Stop cancels the run context and waits up to the grace window for the
// workers to drain. Stragglers keep their lease; the reaper recovers it.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.grace):
		slog.Warn("worker pool shutdown grace elapsed, abandoning stragglers",
			slog.String("grace", p.grace.String()),
		)
	}
}
