package broker

import (
	"context"
	"log/slog"

	"github.com/webitel/agent-bus/config"
	"go.uber.org/fx"
)

var Module = fx.Module("broker",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*Client, error) {
			return NewClient(Config{
				URL:                 cfg.Broker.URL,
				PoolSize:            cfg.Broker.PoolSize,
				Timeout:             cfg.Broker.Timeout,
				MaxRetries:          cfg.Broker.MaxRetries,
				RetryBackoff:        cfg.Broker.RetryBackoff,
				HealthCheckInterval: cfg.Broker.HealthCheckInterval,
			}, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, c *Client) {
		loopCtx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// Fatal on startup: an unreachable broker aborts the app.
				if err := c.Connect(ctx); err != nil {
					cancel()
					return err
				}
				go c.StartHealthLoop(loopCtx)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				return c.Close()
			},
		})
	}),
)
