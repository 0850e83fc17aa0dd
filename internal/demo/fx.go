package demo

import "go.uber.org/fx"

var Module = fx.Module("demo",
	fx.Provide(NewService),
)
