package cmd

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/webitel/agent-bus/config"
	"github.com/webitel/agent-bus/infra/broker"
	"github.com/webitel/agent-bus/infra/metrics"
	httpsrv "github.com/webitel/agent-bus/infra/server/http"
	"github.com/webitel/agent-bus/internal/adapter/pubsub"
	"github.com/webitel/agent-bus/internal/adapter/queue"
	"github.com/webitel/agent-bus/internal/auth"
	"github.com/webitel/agent-bus/internal/domain/registry"
	"github.com/webitel/agent-bus/internal/handler/httpapi"
	wshandler "github.com/webitel/agent-bus/internal/handler/ws"
	"github.com/webitel/agent-bus/internal/service"
	"github.com/webitel/agent-bus/internal/service/health"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
		broker.Module,
		metrics.Module,
		pubsub.Module,
		queue.Module,
		registry.Module,
		service.Module,
		auth.Module,
		health.Module,
		wshandler.Module,
		httpapi.Module,
		httpsrv.Module,
	)
}

// logLevel is shared so a config reload can retune verbosity without a
// restart.
var logLevel = new(slog.LevelVar)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	logLevel.Set(parseLevel(cfg.Log.Level))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	logger = logger.With(slog.String("service", ServiceName))
	slog.SetDefault(logger)

	cfg.Watch(func(next *config.Config) {
		logLevel.Set(parseLevel(next.Log.Level))
	})
	return logger
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
