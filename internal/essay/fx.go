package essay

import "go.uber.org/fx"

var Module = fx.Module("essay",
	fx.Provide(
		NewRepository,
		NewService,
	),
)
