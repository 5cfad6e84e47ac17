package ws

import (
	"context"

	"go.uber.org/fx"

	"github.com/webitel/agent-bus/internal/service"
)

var Module = fx.Module("handler.ws",
	fx.Provide(
		NewHandler,
		NewDispatcher,
	),
	fx.Invoke(registerDispatcher),
)

// registerDispatcher hooks the dispatcher into the router's pub-sub
// stream for the lifetime of the application.
func registerDispatcher(lc fx.Lifecycle, router service.Router, d *Dispatcher) {
	var remove func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			remove = router.OnMessage(d.HandleEnvelope)
			return nil
		},
		OnStop: func(context.Context) error {
			if remove != nil {
				remove()
			}
			return nil
		},
	})
}
