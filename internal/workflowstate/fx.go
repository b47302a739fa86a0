package workflowstate

import (
	"github.com/smallbiznis/dunning/internal/workflowstate/repository"
	"github.com/smallbiznis/dunning/internal/workflowstate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("workflowstate",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
