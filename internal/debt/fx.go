package debt

import (
	"github.com/smallbiznis/dunning/internal/debt/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("debt",
	fx.Provide(repository.Provide),
)
