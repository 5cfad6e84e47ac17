package httpapi

import (
	"go.uber.org/fx"
)

var Module = fx.Module("handler.api",
	fx.Provide(NewHandler),
)
