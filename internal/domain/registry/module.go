package registry

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/agent-bus/config"
	wsmarshaller "github.com/webitel/agent-bus/internal/handler/marshaller/ws"
)

var Module = fx.Module("registry",
	fx.Provide(newManager),
	fx.Invoke(runHeartbeat),
)

func newManager(logger *slog.Logger, cfg *config.Config) *Manager {
	return NewManager(logger,
		WithPingInterval(cfg.Heartbeat.Interval),
		WithPingTimeout(cfg.Heartbeat.Timeout),
		WithSendBuffer(cfg.Session.SendBuffer),
		WithSendTimeout(cfg.Session.SendTimeout),
		WithPingFrame(wsmarshaller.Ping),
	)
}

func runHeartbeat(lc fx.Lifecycle, m *Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go m.StartHeartbeat(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			m.Shutdown()
			return nil
		},
	})
}
