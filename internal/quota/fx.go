package quota

import (
	"github.com/smallbiznis/genquota/internal/billingperiod"
	"github.com/smallbiznis/genquota/internal/plan"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	"github.com/smallbiznis/genquota/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.gate",
	fx.Provide(
		func(h *plan.Holder) service.CatalogSource { return h },
		func(r *billingperiod.Resolver) service.PeriodResolver { return r },
		service.NewGate,
		func(g *service.Gate) quotadomain.Gate { return g },
	),
)
