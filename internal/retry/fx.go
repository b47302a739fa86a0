package retry

import "go.uber.org/fx"

var Module = fx.Module("retry",
	fx.Provide(NewScheduler),
)
