package recorder

import (
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.recorder",
	fx.Provide(
		func(g quotadomain.Gate) Releaser { return g },
		New,
	),
)
