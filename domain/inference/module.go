package inference

import (
	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/jobs"
)

// Module provides the relation inference queue, engine and worker.
var Module = fx.Module("inference",
	fx.Provide(
		NewQueue,
		func(q *jobs.Queue) Queue { return q },
		func(r *graph.Repository) Graph { return r },
		func(svc *typeregistry.Service) Registry { return svc },
		NewEngine,
		NewWorker,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RegisterWorkerLifecycle),
)
