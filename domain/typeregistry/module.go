package typeregistry

import (
	"go.uber.org/fx"
)

// Module provides the schema registry
var Module = fx.Module("typeregistry",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewSnapshotCache,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
