package billingperiod

import "go.uber.org/fx"

var Module = fx.Module("billing.period",
	fx.Provide(NewResolver),
)
