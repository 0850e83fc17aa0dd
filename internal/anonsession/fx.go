package anonsession

import "go.uber.org/fx"

var Module = fx.Module("anonsession",
	fx.Provide(NewRepository),
)
