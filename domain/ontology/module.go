package ontology

import (
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/domain/typeregistry"
)

// Module provides the ontology mapper.
var Module = fx.Module("ontology",
	fx.Provide(
		func(svc *typeregistry.Service) Registry { return svc },
		NewMapper,
	),
)
