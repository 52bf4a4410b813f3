package graph

import (
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/domain/typeregistry"
)

// Module provides graph domain dependencies.
var Module = fx.Module("graph",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		func(svc *typeregistry.Service) Registry { return svc },
		NewProjector,
		NewMaterializer,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
