package health

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/webitel/agent-bus/config"
	"github.com/webitel/agent-bus/infra/broker"
)

var Module = fx.Module("health",
	fx.Provide(func(logger *slog.Logger, client *broker.Client, cfg *config.Config) *Prober {
		return NewProber(logger, client,
			cfg.Health.WarningLatency,
			cfg.Health.CriticalLatency,
			cfg.Health.HistorySize)
	}),
)
