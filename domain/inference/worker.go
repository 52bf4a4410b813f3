package inference

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/jobs"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

// Worker drains the inference queue in the background.
type Worker struct {
	*jobs.Worker
}

// NewWorker builds the polling worker over the engine.
func NewWorker(engine *Engine, queue Queue, cfg *config.Config, log *slog.Logger) *Worker {
	wc := jobs.DefaultWorkerConfig("relation-inference")
	wc.PollInterval = cfg.Inference.WorkerInterval()
	wc.StaleThresholdMinutes = cfg.Inference.StaleThresholdMinutes

	process := func(ctx context.Context) (int, int, error) {
		res, err := engine.ProcessBatch(ctx, 0)
		if err != nil {
			return 0, 0, err
		}
		return res.Completed, res.Failed, nil
	}

	return &Worker{jobs.NewWorker(wc, log.With(logger.Scope("inference.worker")), process, queue.RecoverStale)}
}

// RegisterWorkerLifecycle starts the worker with the application when enabled.
func RegisterWorkerLifecycle(lc fx.Lifecycle, worker *Worker, cfg *config.Config) {
	if !cfg.Inference.WorkerEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return worker.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return worker.Stop(ctx)
		},
	})
}
