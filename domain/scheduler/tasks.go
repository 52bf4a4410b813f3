package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/tabgraph/domain/facts"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

// Normalizer runs the L1->L2 fact transforms.
type Normalizer interface {
	Run(ctx context.Context, f facts.Filter, transforms ...facts.Transform) *facts.Report
}

// StaleRecoverer resets queue items stuck in processing.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, staleThresholdMinutes int) (int, error)
}

// FactsTask normalizes every tenant's facts over a trailing window.
type FactsTask struct {
	normalizer Normalizer
	lookback   time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// NewFactsTask creates the scheduled fact normalization task.
func NewFactsTask(n Normalizer, lookback time.Duration, log *slog.Logger) *FactsTask {
	return &FactsTask{
		normalizer: n,
		lookback:   lookback,
		now:        time.Now,
		log:        log.With(logger.Scope("scheduler.facts")),
	}
}

// Run normalizes [now-lookback, now] for all tenants and stores. It fails
// when any transform reported errors so the scheduler logs the run.
func (t *FactsTask) Run(ctx context.Context) error {
	to := t.now().UTC()
	from := to.Add(-t.lookback)
	report := t.normalizer.Run(ctx, facts.Filter{From: &from, To: &to})

	synced, failed := 0, 0
	for _, res := range report.Transforms {
		synced += res.RecordsSynced
		failed += len(res.Errors)
	}
	t.log.Info("facts normalized",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("records_synced", synced),
		slog.Int("errors", failed),
	)
	if failed > 0 {
		return fmt.Errorf("fact normalization reported %d errors", failed)
	}
	return nil
}

// StaleRecoveryTask returns stuck inference items to pending.
type StaleRecoveryTask struct {
	queue   StaleRecoverer
	minutes int
	log     *slog.Logger
}

// NewStaleRecoveryTask creates the scheduled stale-item recovery task.
func NewStaleRecoveryTask(q StaleRecoverer, minutes int, log *slog.Logger) *StaleRecoveryTask {
	return &StaleRecoveryTask{
		queue:   q,
		minutes: minutes,
		log:     log.With(logger.Scope("scheduler.stale_recovery")),
	}
}

// Run executes the recovery.
func (t *StaleRecoveryTask) Run(ctx context.Context) error {
	n, err := t.queue.RecoverStale(ctx, t.minutes)
	if err != nil {
		return fmt.Errorf("recover stale inference items: %w", err)
	}
	if n > 0 {
		t.log.Warn("recovered stale inference items", slog.Int("count", n))
	}
	return nil
}
