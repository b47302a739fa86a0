package guardrail

import (
	"github.com/smallbiznis/dunning/internal/guardrail/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("guardrail",
	fx.Provide(repository.Provide),
	fx.Provide(NewEngine),
	fx.Provide(NewLoader),
)
