// Package inference enriches the graph with relations proposed by the
// suggestion oracle for entities taken off a durable queue.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/jobs"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/oracle"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

// ConfidenceThreshold is the minimum confidence an inferred relation needs.
// It is fixed, not configurable.
const ConfidenceThreshold = 0.6

const defaultCandidateLimit = 100

var (
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabgraph_inference_items_total",
		Help: "Inference queue items processed by outcome",
	}, []string{"outcome"})
	candidatesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabgraph_inference_candidates_total",
		Help: "Relation candidates proposed by decision",
	}, []string{"decision"})
)

// Graph is the entity/relation access the engine needs.
type Graph interface {
	GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*graph.Entity, error)
	RecentEntities(ctx context.Context, tenantID string, exclude uuid.UUID, limit int) ([]*graph.Entity, error)
	InsertRelations(ctx context.Context, batch []*graph.Relation) (int, error)
}

// Registry creates relation types on demand.
type Registry interface {
	EnsureRelationType(ctx context.Context, tenantID string, def typeregistry.RelationTypeSpec) (*typeregistry.RelationType, bool, error)
}

// Accept reports whether a proposed relation passes the confidence gate.
func Accept(c oracle.RelationCandidate) bool {
	return c.Confidence >= ConfidenceThreshold
}

// EntityResult reports inference for one entity.
type EntityResult struct {
	Candidates           int      `json:"candidates"`
	Proposed             int      `json:"proposed"`
	Accepted             int      `json:"accepted"`
	Discarded            int      `json:"discarded"`
	RelationsCreated     int      `json:"relations_created"`
	RelationsExisting    int      `json:"relations_existing"`
	RelationTypesCreated []string `json:"relation_types_created"`
	Errors               []string `json:"errors"`
}

// BatchResult reports one ProcessBatch call.
type BatchResult struct {
	Dequeued         int `json:"dequeued"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Retried          int `json:"retried"`
	RelationsCreated int `json:"relations_created"`
}

// Engine drains the inference queue.
type Engine struct {
	queue          Queue
	graph          Graph
	registry       Registry
	oracle         oracle.Oracle
	batchSize      int
	candidateLimit int
	now            func() time.Time
	log            *slog.Logger
}

// NewEngine creates the inference engine.
func NewEngine(queue Queue, g Graph, registry Registry, o oracle.Oracle, cfg *config.Config, log *slog.Logger) *Engine {
	e := &Engine{
		queue:          queue,
		graph:          g,
		registry:       registry,
		oracle:         o,
		batchSize:      cfg.Inference.BatchSize,
		candidateLimit: cfg.Inference.CandidateLimit,
		now:            time.Now,
		log:            log.With(logger.Scope("inference")),
	}
	if e.batchSize <= 0 {
		e.batchSize = 10
	}
	if e.candidateLimit <= 0 {
		e.candidateLimit = defaultCandidateLimit
	}
	return e
}

// Enqueue queues entities for inference. Entities already queued are skipped.
func (e *Engine) Enqueue(ctx context.Context, tenantID string, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return e.queue.Enqueue(ctx, tenantID, s)
}

// ProcessBatch dequeues up to n items (the configured batch size when n <= 0)
// and processes them one at a time, oldest first.
func (e *Engine) ProcessBatch(ctx context.Context, n int) (*BatchResult, error) {
	if n <= 0 {
		n = e.batchSize
	}
	items, err := e.queue.Dequeue(ctx, n)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Dequeued: len(items)}
	for _, item := range items {
		out, err := e.processItem(ctx, item)
		if err != nil {
			status, markErr := e.queue.MarkFailed(ctx, item.ID, item.RetryCount, err.Error())
			if markErr != nil {
				e.log.Error("failed to record item failure",
					slog.String("item_id", item.ID),
					logger.Error(markErr))
			}
			if status == jobs.StatusPending {
				res.Retried++
				itemsProcessed.WithLabelValues("retried").Inc()
			} else {
				res.Failed++
				itemsProcessed.WithLabelValues("failed").Inc()
			}
			e.log.Warn("relation inference failed",
				slog.String("item_id", item.ID),
				slog.String("entity_id", item.SubjectID),
				logger.Error(err))
			continue
		}

		if err := e.queue.MarkCompleted(ctx, item.ID); err != nil {
			e.log.Error("failed to mark item completed",
				slog.String("item_id", item.ID),
				logger.Error(err))
		}
		res.Completed++
		res.RelationsCreated += out.RelationsCreated
		itemsProcessed.WithLabelValues("completed").Inc()
	}

	if res.Dequeued > 0 {
		e.log.Info("inference batch processed",
			slog.Int("dequeued", res.Dequeued),
			slog.Int("completed", res.Completed),
			slog.Int("failed", res.Failed),
			slog.Int("relations_created", res.RelationsCreated))
	}
	return res, nil
}

// processItem turns panics into errors so one poison entity only fails its item.
func (e *Engine) processItem(ctx context.Context, item jobs.Item) (out *EntityResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during inference: %v", r)
		}
	}()

	id, err := uuid.Parse(item.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid entity id %q: %w", item.SubjectID, err)
	}
	return e.InferForEntity(ctx, item.TenantID, id)
}

// InferForEntity proposes and writes relations from one entity to the most
// recent entities of its tenant. An empty candidate pool or an unavailable
// oracle yields zero relations, not an error.
func (e *Engine) InferForEntity(ctx context.Context, tenantID string, entityID uuid.UUID) (*EntityResult, error) {
	ctx, span := tracing.Start(ctx, "inference.entity",
		attribute.String("tenant_id", tenantID),
		attribute.String("entity_id", entityID.String()),
	)
	defer span.End()

	res := &EntityResult{RelationTypesCreated: []string{}, Errors: []string{}}

	source, err := e.graph.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("load entity: %w", err)
	}

	pool, err := e.graph.RecentEntities(ctx, tenantID, entityID, e.candidateLimit)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	res.Candidates = len(pool)
	if len(pool) == 0 {
		return res, nil
	}

	byID := make(map[string]*graph.Entity, len(pool))
	infos := make([]oracle.EntityInfo, 0, len(pool))
	for _, c := range pool {
		byID[c.ID.String()] = c
		infos = append(infos, entityInfo(c))
	}

	var proposal oracle.RelationResult
	oracle.Ask(ctx, e.oracle, oracle.Request{
		Kind:         oracle.TaskProposeRelations,
		Context:      oracle.RelationContext{Entity: entityInfo(source), Candidates: infos},
		OutputSchema: oracle.RelationSchema(),
	}, &proposal, e.log)
	res.Proposed = len(proposal.Relations)

	relTypes := map[string]string{}
	inferredAt := e.now().UTC().Format(time.RFC3339Nano)

	for _, c := range proposal.Relations {
		name := strings.TrimSpace(c.RelationType)
		target, inPool := byID[strings.TrimSpace(c.TargetEntityID)]
		if !Accept(c) || !inPool || name == "" || target.ID == source.ID {
			res.Discarded++
			candidatesSeen.WithLabelValues("discarded").Inc()
			continue
		}
		res.Accepted++
		candidatesSeen.WithLabelValues("accepted").Inc()

		typeID, ok := relTypes[name]
		if !ok {
			rt, created, err := e.registry.EnsureRelationType(ctx, tenantID, typeregistry.RelationTypeSpec{
				Name:           name,
				Label:          c.Label,
				SourceType:     source.TypeName,
				TargetType:     typeregistry.WildcardType,
				Directionality: c.Directionality,
			})
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("relation type %q: %v", name, err))
				continue
			}
			typeID = rt.ID
			relTypes[name] = typeID
			if created {
				res.RelationTypesCreated = append(res.RelationTypesCreated, rt.Name)
			}
		}

		n, err := e.graph.InsertRelations(ctx, []*graph.Relation{{
			TenantID:       tenantID,
			RelationTypeID: typeID,
			SourceEntityID: source.ID,
			TargetEntityID: target.ID,
			Weight:         c.Confidence,
			Properties: map[string]any{
				"origin":        "inference",
				"confidence":    c.Confidence,
				"justification": c.Justification,
				"inferred_at":   inferredAt,
			},
		}})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("relation %s -> %s: %v", source.ID, target.ID, err))
			continue
		}
		if n == 0 {
			res.RelationsExisting++
			continue
		}
		res.RelationsCreated += n
	}

	span.SetAttributes(
		attribute.Int("inference.accepted", res.Accepted),
		attribute.Int("inference.relations_created", res.RelationsCreated),
	)
	return res, nil
}

func entityInfo(e *graph.Entity) oracle.EntityInfo {
	return oracle.EntityInfo{
		ID:         e.ID.String(),
		Type:       e.TypeName,
		Label:      e.Label,
		Properties: e.Properties,
	}
}
