package pubsub

import (
	"context"
	"log/slog"

	"github.com/webitel/agent-bus/config"
	"github.com/webitel/agent-bus/infra/broker"
	"go.uber.org/fx"
)

var Module = fx.Module("pubsub",
	fx.Provide(
		func(b *broker.Client, cfg *config.Config, logger *slog.Logger) *Manager {
			return NewManager(b, cfg.PubSub.Tick, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				m.StartListening(context.Background())
				return nil
			},
			OnStop: func(ctx context.Context) error {
				m.StopListening()
				return nil
			},
		})
	}),
)
