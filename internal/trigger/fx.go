package trigger

import (
	"github.com/smallbiznis/dunning/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("trigger",
	fx.Provide(cache.NewCampaignCache),
	fx.Provide(NewEvaluator),
)
