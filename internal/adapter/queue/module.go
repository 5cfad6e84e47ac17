package queue

import (
	"context"
	"log/slog"

	"github.com/webitel/agent-bus/config"
	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/domain/model"
	"go.uber.org/fx"
)

var Module = fx.Module("queue",
	fx.Provide(
		func(b *broker.Client, cfg *config.Config, logger *slog.Logger) *Manager {
			return NewManager(b, cfg.Queue.DefaultTTL, cfg.Queue.MaxAttempts, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager, cfg *config.Config, mtr *metrics.Metrics) {
		m.ObserveDepth(func(s *model.QueueStats) {
			mtr.QueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
			mtr.QueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
			mtr.QueueDepth.WithLabelValues("dead_letter").Set(float64(s.DeadLetter))
		})
		reaperCtx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go m.StartReaper(reaperCtx, cfg.Queue.ReaperInterval, cfg.Queue.StaleMaxAge)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
