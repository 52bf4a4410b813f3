// Package jobs provides a PostgreSQL-backed work queue.
//
// - Idempotent enqueue (one active item per subject)
// - Atomic FIFO dequeue with FOR UPDATE SKIP LOCKED
// - Terminal failure, or bounded retry with backoff when enabled
// - Stale item recovery (counted as an attempt) and manual requeue
// - Queue statistics
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

// Status represents the state of a queue item
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// maxErrorLength bounds the persisted error message.
const maxErrorLength = 500

// QueueConfig contains configuration for a queue table
type QueueConfig struct {
	// TableName is the fully qualified table name (e.g., "kb.relation_inference_queue")
	TableName string
	// SubjectColumn holds the id of the thing being worked on (e.g., "entity_id")
	SubjectColumn string
	// MaxRetries is how many failures are retried automatically (0 = failures are terminal)
	MaxRetries int
	// BaseRetryDelaySec is the base delay for automatic retries (default: 60)
	BaseRetryDelaySec int
	// MaxRetryDelaySec caps the retry delay (default: 3600)
	MaxRetryDelaySec int
	// BatchSize is the default number of items to dequeue at once (default: 10)
	BatchSize int
}

// DefaultQueueConfig returns a QueueConfig with terminal failures
func DefaultQueueConfig(tableName, subjectColumn string) QueueConfig {
	return QueueConfig{
		TableName:         tableName,
		SubjectColumn:     subjectColumn,
		MaxRetries:        0,
		BaseRetryDelaySec: 60,
		MaxRetryDelaySec:  3600,
		BatchSize:         10,
	}
}

// Item is a claimed queue row.
type Item struct {
	ID         string    `bun:"id" json:"id"`
	TenantID   string    `bun:"tenant_id" json:"tenant_id"`
	SubjectID  string    `bun:"subject_id" json:"subject_id"`
	RetryCount int       `bun:"retry_count" json:"retry_count"`
	CreatedAt  time.Time `bun:"created_at" json:"created_at"`
}

// Queue provides queue operations on one table.
// Dequeue uses FOR UPDATE SKIP LOCKED so several workers can share it.
type Queue struct {
	db     bun.IDB
	config QueueConfig
	log    *slog.Logger
}

// NewQueue creates a queue over config.TableName
func NewQueue(db bun.IDB, config QueueConfig, log *slog.Logger) *Queue {
	if config.BaseRetryDelaySec == 0 {
		config.BaseRetryDelaySec = 60
	}
	if config.MaxRetryDelaySec == 0 {
		config.MaxRetryDelaySec = 3600
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	return &Queue{
		db:     db,
		config: config,
		log:    log,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() QueueConfig {
	return q.config
}

// Enqueue adds a pending item for every subject that has no active item.
// Returns the number of items inserted.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, subjectIDs []string) (int, error) {
	if len(subjectIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, %s)
		SELECT ?, s FROM unnest(?::uuid[]) AS s
		ON CONFLICT (%s) WHERE status IN ('pending', 'processing') DO NOTHING`,
		q.config.TableName, q.config.SubjectColumn, q.config.SubjectColumn)

	res, err := q.db.ExecContext(ctx, query, tenantID, pq.Array(subjectIDs))
	if err != nil {
		return 0, fmt.Errorf("enqueue failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Dequeue atomically claims up to batchSize pending items, oldest first.
//
//	WITH cte AS (
//	  SELECT id FROM table
//	  WHERE status='pending' AND scheduled_at <= now()
//	  ORDER BY created_at ASC
//	  FOR UPDATE SKIP LOCKED
//	  LIMIT $1
//	)
//	UPDATE table SET status='processing', started_at=now()
//	FROM cte WHERE table.id = cte.id
//	RETURNING ...
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		batchSize = q.config.BatchSize
	}

	query := fmt.Sprintf(`
		WITH cte AS (
			SELECT id FROM %s
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE %s j
		SET status = 'processing', started_at = now(), updated_at = now()
		FROM cte WHERE j.id = cte.id
		RETURNING j.id, j.tenant_id, j.%s AS subject_id, j.retry_count, j.created_at`,
		q.config.TableName, q.config.TableName, q.config.SubjectColumn)

	var items []Item
	if err := q.db.NewRaw(query, batchSize).Scan(ctx, &items); err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE order
	sortByCreated(items)
	return items, nil
}

// MarkCompleted marks an item as completed
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed',
			completed_at = now(),
			error_message = NULL,
			updated_at = now()
		WHERE id = ?`,
		q.config.TableName)

	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark completed failed: %w", err)
	}
	return nil
}

// MarkFailed records a failure. The item goes back to pending with a backoff
// delay while automatic retries remain, otherwise it is terminally failed.
// Returns the status the item was left in.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) (Status, error) {
	attempt := retryCount + 1

	if attempt > q.config.MaxRetries {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'failed',
				retry_count = ?,
				error_message = ?,
				completed_at = now(),
				updated_at = now()
			WHERE id = ?`,
			q.config.TableName)

		if _, err := q.db.ExecContext(ctx, query, attempt, TruncateError(errMsg), id); err != nil {
			return "", fmt.Errorf("mark failed failed: %w", err)
		}

		q.log.Warn("queue item failed",
			slog.String("item_id", id),
			slog.Int("retry_count", attempt),
			slog.String("error", errMsg))
		return StatusFailed, nil
	}

	delay := q.RetryDelay(attempt)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
			retry_count = ?,
			error_message = ?,
			started_at = NULL,
			scheduled_at = now() + make_interval(secs => ?),
			updated_at = now()
		WHERE id = ?`,
		q.config.TableName)

	if _, err := q.db.ExecContext(ctx, query, attempt, TruncateError(errMsg), int(delay.Seconds()), id); err != nil {
		return "", fmt.Errorf("mark failed (retry) failed: %w", err)
	}

	q.log.Debug("queue item scheduled for retry",
		slog.String("item_id", id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	return StatusPending, nil
}

// RetryDelay is base * attempt^2, capped at MaxRetryDelaySec.
func (q *Queue) RetryDelay(attempt int) time.Duration {
	sec := math.Min(
		float64(q.config.MaxRetryDelaySec),
		float64(q.config.BaseRetryDelaySec)*float64(attempt)*float64(attempt),
	)
	return time.Duration(sec) * time.Second
}

// Requeue returns failed items of a tenant to pending. With no ids every
// failed item of the tenant is requeued. Items whose subject already has an
// active item are left alone. Returns the number requeued.
func (q *Queue) Requeue(ctx context.Context, tenantID string, ids []string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s j
		SET status = 'pending',
			error_message = NULL,
			started_at = NULL,
			completed_at = NULL,
			scheduled_at = now(),
			updated_at = now()
		WHERE j.tenant_id = ?
			AND j.status = 'failed'
			AND (cardinality(?::uuid[]) = 0 OR j.id = ANY(?::uuid[]))
			AND NOT EXISTS (
				SELECT 1 FROM %[1]s a
				WHERE a.%[2]s = j.%[2]s AND a.status IN ('pending', 'processing')
			)`,
		q.config.TableName, q.config.SubjectColumn)

	if ids == nil {
		ids = []string{}
	}
	res, err := q.db.ExecContext(ctx, query, tenantID, pq.Array(ids), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverStale handles items stuck in 'processing' longer than the threshold,
// which happens when the process dies mid-batch. Each recovery counts as an
// attempt: items with automatic retries left go back to pending, the rest are
// failed and wait for a manual requeue. Returns the number of items touched.
func (q *Queue) RecoverStale(ctx context.Context, staleThresholdMinutes int) (int, error) {
	if staleThresholdMinutes <= 0 {
		staleThresholdMinutes = 10
	}

	msg := fmt.Sprintf("stale: still processing after %d minutes", staleThresholdMinutes)
	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > ? THEN 'failed' ELSE 'pending' END,
			error_message = ?,
			completed_at = CASE WHEN retry_count + 1 > ? THEN now() ELSE NULL END,
			started_at = NULL,
			scheduled_at = now(),
			updated_at = now()
		WHERE status = 'processing'
			AND started_at < now() - make_interval(mins => ?)
		RETURNING status`,
		q.config.TableName)

	rows, err := q.db.QueryContext(ctx, query, q.config.MaxRetries, msg, q.config.MaxRetries, staleThresholdMinutes)
	if err != nil {
		return 0, fmt.Errorf("recover stale items failed: %w", err)
	}
	defer rows.Close()

	var recovered, failed int
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("recover stale items failed: %w", err)
		}
		if Status(status) == StatusFailed {
			failed++
		} else {
			recovered++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("recover stale items failed: %w", err)
	}

	if recovered+failed > 0 {
		q.log.Warn("recovered stale queue items",
			slog.Int("requeued", recovered),
			slog.Int("failed", failed),
			slog.Int("threshold_minutes", staleThresholdMinutes))
	}
	return recovered + failed, nil
}

// Stats represents queue statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Stats counts items per status. An empty tenantID counts all tenants.
func (q *Queue) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM %s
		WHERE ? = '' OR tenant_id = ?`,
		q.config.TableName)

	stats := &Stats{}
	err := q.db.QueryRowContext(ctx, query, tenantID, tenantID).
		Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}
	return stats, nil
}

func sortByCreated(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// TruncateError bounds an error message to what the queue persists. The
// result is valid UTF-8 and never splits a rune.
func TruncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= maxErrorLength {
		return msg
	}
	n := maxErrorLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
