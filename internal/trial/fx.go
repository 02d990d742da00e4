package trial

import "go.uber.org/fx"

var Module = fx.Module("trial",
	fx.Provide(Provide),
)
