package ingestion

import (
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/inference"
	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/internal/storage"
)

// Module wires validation, mapping, materialization and inference into
// the ingestion endpoints.
var Module = fx.Module("ingestion",
	fx.Provide(
		func(v *rowvalidator.Validator) Validator { return v },
		func(m *ontology.Mapper) Mapper { return m },
		func(m *graph.Materializer) Materializer { return m },
		func(e *inference.Engine) Enqueuer { return e },
		func(s *storage.Service) ObjectStore { return s },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
