package scheduler

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/tabgraph/domain/facts"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/jobs"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

// Module provides the background scheduler.
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains the dependencies of the scheduled tasks.
type TaskParams struct {
	fx.In
	Scheduler  *Scheduler
	Normalizer *facts.Normalizer
	Queue      *jobs.Queue
	Cfg        *config.Config
	Log        *slog.Logger
}

// RegisterTasks registers fact normalization and stale queue recovery.
// A task that cannot be scheduled is logged and skipped.
func RegisterTasks(p TaskParams) {
	if !p.Cfg.Facts.SchedulerEnabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return
	}

	factsTask := NewFactsTask(p.Normalizer, p.Cfg.Facts.Lookback, p.Log)
	if err := p.Scheduler.AddTask("facts_normalize", p.Cfg.Facts.Schedule, p.Cfg.Facts.Interval, factsTask.Run); err != nil {
		p.Log.Error("failed to schedule fact normalization", logger.Error(err))
	}

	inf := p.Cfg.Inference
	staleTask := NewStaleRecoveryTask(p.Queue, inf.StaleThresholdMinutes, p.Log)
	if err := p.Scheduler.AddTask("inference_stale_recovery", inf.StaleRecoverySchedule, inf.StaleRecoveryInterval, staleTask.Run); err != nil {
		p.Log.Error("failed to schedule stale inference recovery", logger.Error(err))
	}

	p.Log.Info("registered scheduled tasks", slog.Any("tasks", p.Scheduler.ListTasks()))
}

// RegisterSchedulerLifecycle ties the scheduler to the fx lifecycle.
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *config.Config) {
	if !cfg.Facts.SchedulerEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
