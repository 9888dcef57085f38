package maintenance

import "go.uber.org/fx"

var Module = fx.Module("maintenance",
	fx.Provide(New),
	fx.Invoke(func(*Pruner) {}),
)
