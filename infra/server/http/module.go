package http

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/agent-bus/config"
	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/infra/metrics"
	"github.com/webitel/agent-bus/internal/handler/httpapi"
	"github.com/webitel/agent-bus/internal/handler/ws"
	"github.com/webitel/agent-bus/internal/service/health"
)

var Module = fx.Module("server.http",
	fx.Provide(newServer),
	fx.Invoke(runServer),
)

func newServer(
	logger *slog.Logger,
	cfg *config.Config,
	wsHandler *ws.Handler,
	api *httpapi.Handler,
	prober *health.Prober,
	client *broker.Client,
	m *metrics.Metrics,
) *Server {
	return NewServer(logger, cfg.Listen, wsHandler, api, prober, client, m)
}

func runServer(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
	})
}
