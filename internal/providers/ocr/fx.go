package ocr

import "go.uber.org/fx"

var Module = fx.Module("ocr",
	fx.Provide(
		NewVisionExtractor,
		func(e *VisionExtractor) Extractor { return e },
	),
)
