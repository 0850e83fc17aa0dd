package grading

import "go.uber.org/fx"

var Module = fx.Module("grading",
	fx.Provide(
		NewOpenAIOracle,
		func(o *OpenAIOracle) Oracle { return o },
	),
)
