package programacion

import (
	"github.com/smallbiznis/dunning/internal/programacion/repository"
	"github.com/smallbiznis/dunning/internal/programacion/service"
	"go.uber.org/fx"
)

var Module = fx.Module("programacion",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewGenerator),
)
