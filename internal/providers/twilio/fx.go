package twilio

import "go.uber.org/fx"

var Module = fx.Module("providers.twilio",
	fx.Provide(NewClient),
)
