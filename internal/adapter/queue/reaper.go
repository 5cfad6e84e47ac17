package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/agent-bus/internal/domain/model"
)

// ObserveDepth registers a callback that receives the aggregate queue
// depths after every reaper sweep. Set once before StartReaper runs.
func (m *Manager) ObserveDepth(fn func(*model.QueueStats)) {
	m.onDepth = fn
}

// StartReaper sweeps every known queue for stale in-flight entries until
// ctx is cancelled. It is the visibility-timeout backstop for consumers
// that dequeued and then died without acknowledging, and the sampling
// point for the depth observer.
func (m *Manager) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, maxAge)
		}
	}
}

func (m *Manager) sweep(ctx context.Context, maxAge time.Duration) {
	depth := &model.QueueStats{}
	for _, name := range m.knownQueues() {
		moved, err := m.CleanupStale(ctx, name, maxAge)
		if err != nil {
			m.logger.Error("reaper sweep failed", slog.String("queue", name), slog.Any("err", err))
			continue
		}
		if moved > 0 {
			m.logger.Info("reaped stale in-flight messages",
				slog.String("queue", name), slog.Int("moved", moved))
		}
		stats, err := m.Size(ctx, name)
		if err != nil {
			m.logger.Warn("depth sample failed", slog.String("queue", name), slog.Any("err", err))
			continue
		}
		depth.Pending += stats.Pending
		depth.Processing += stats.Processing
		depth.DeadLetter += stats.DeadLetter
		depth.Total += stats.Total
	}
	if m.onDepth != nil {
		m.onDepth(depth)
	}
}
