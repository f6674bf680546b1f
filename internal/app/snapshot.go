package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fairyhunter13/taskforge/internal/domain"
)

// SnapshotRecorder persists every metrics_updated payload into the metrics
// sink table, giving the on-demand aggregation a queryable history.
type SnapshotRecorder struct {
	metrics domain.MetricsRepository
	bus     domain.EventBus
	timeout time.Duration
}

// NewSnapshotRecorder constructs a recorder writing through metrics.
func NewSnapshotRecorder(metrics domain.MetricsRepository, bus domain.EventBus) *SnapshotRecorder {
	if metrics == nil || bus == nil {
		return nil
	}
	return &SnapshotRecorder{metrics: metrics, bus: bus, timeout: 5 * time.Second}
}

// Start subscribes to metrics_updated and returns the unsubscribe func.
func (s *SnapshotRecorder) Start() func() {
	if s == nil {
		return func() {}
	}
	return s.bus.Subscribe(domain.TopicMetricsUpdated, s.record)
}

func (s *SnapshotRecorder) record(ev domain.Event) {
	var sum domain.MetricsSummary
	if err := json.Unmarshal(ev.Data, &sum); err != nil {
		slog.Warn("metrics snapshot payload malformed", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.metrics.InsertSnapshot(ctx, ev.At, sum); err != nil {
		slog.Error("metrics snapshot insert failed", slog.Any("error", err))
	}
}
