package service

import (
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewMessageRouter,
			fx.As(new(Router)),
		),
		fx.Annotate(
			NewAllowAllMembership,
			fx.As(new(MembershipChecker)),
		),
	),

	// Cache the membership lookups regardless of the backing store.
	fx.Decorate(func(orig MembershipChecker) MembershipChecker {
		return NewCachedMembership(orig, 10000)
	}),
)
