package inference

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/jobs"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

const (
	queueTable    = "kb.relation_inference_queue"
	subjectColumn = "entity_id"
)

// Queue is the durable work queue of entities awaiting inference.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, entityIDs []string) (int, error)
	Dequeue(ctx context.Context, batchSize int) ([]jobs.Item, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) (jobs.Status, error)
	Requeue(ctx context.Context, tenantID string, ids []string) (int, error)
	RecoverStale(ctx context.Context, staleThresholdMinutes int) (int, error)
	Stats(ctx context.Context, tenantID string) (*jobs.Stats, error)
}

// NewQueue creates the relation inference queue. Failed items are terminal
// unless INFERENCE_AUTO_RETRY_MAX enables bounded automatic retry.
func NewQueue(db bun.IDB, cfg *config.Config, log *slog.Logger) *jobs.Queue {
	qc := jobs.DefaultQueueConfig(queueTable, subjectColumn)
	qc.MaxRetries = cfg.Inference.AutoRetryMax
	qc.BatchSize = cfg.Inference.BatchSize
	if cfg.Inference.BaseRetryDelaySec > 0 {
		qc.BaseRetryDelaySec = cfg.Inference.BaseRetryDelaySec
	}
	if cfg.Inference.MaxRetryDelaySec > 0 {
		qc.MaxRetryDelaySec = cfg.Inference.MaxRetryDelaySec
	}
	return jobs.NewQueue(db, qc, log.With(logger.Scope("inference.queue")))
}
