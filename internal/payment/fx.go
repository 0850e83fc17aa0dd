package payment

import "go.uber.org/fx"

var Module = fx.Module("payment",
	fx.Provide(
		NewHTTPProvider,
		func(p *HTTPProvider) Provider { return p },
		NewService,
	),
)
