package auth

import (
	"go.uber.org/fx"

	"github.com/webitel/agent-bus/config"
)

var Module = fx.Module("auth",
	fx.Provide(func(cfg *config.Config) TokenVerifier {
		if cfg.Auth.Secret == "" {
			return NewAnonymousVerifier()
		}
		return NewJWTVerifier(cfg.Auth.Secret)
	}),
)
