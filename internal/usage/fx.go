package usage

import (
	"github.com/smallbiznis/genquota/internal/usage/repository"
	"github.com/smallbiznis/genquota/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.ledger",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
