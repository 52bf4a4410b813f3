package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/jobs"
	"github.com/emergent-company/tabgraph/pkg/oracle"
)

type queueRow struct {
	jobs.Item
	Status       jobs.Status
	ErrorMessage string
}

type memQueue struct {
	mu         sync.Mutex
	rows       []*queueRow
	maxRetries int
	clock      time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (q *memQueue) Enqueue(_ context.Context, tenantID string, ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range ids {
		active := false
		for _, r := range q.rows {
			if r.SubjectID == id && (r.Status == jobs.StatusPending || r.Status == jobs.StatusProcessing) {
				active = true
			}
		}
		if active {
			continue
		}
		q.clock = q.clock.Add(time.Second)
		q.rows = append(q.rows, &queueRow{
			Item:   jobs.Item{ID: uuid.NewString(), TenantID: tenantID, SubjectID: id, CreatedAt: q.clock},
			Status: jobs.StatusPending,
		})
		n++
	}
	return n, nil
}

func (q *memQueue) Dequeue(_ context.Context, n int) ([]jobs.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []jobs.Item
	for _, r := range q.rows {
		if len(out) == n {
			break
		}
		if r.Status == jobs.StatusPending {
			r.Status = jobs.StatusProcessing
			out = append(out, r.Item)
		}
	}
	return out, nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.find(id).Status = jobs.StatusCompleted
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id string, retryCount int, msg string) (jobs.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.find(id)
	r.RetryCount = retryCount + 1
	r.ErrorMessage = jobs.TruncateError(msg)
	r.Status = jobs.StatusFailed
	if r.RetryCount <= q.maxRetries {
		r.Status = jobs.StatusPending
	}
	return r.Status, nil
}

func (q *memQueue) Requeue(_ context.Context, tenantID string, ids []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.rows {
		if r.TenantID != tenantID || r.Status != jobs.StatusFailed {
			continue
		}
		if len(ids) > 0 && !contains(ids, r.ID) {
			continue
		}
		r.Status = jobs.StatusPending
		r.ErrorMessage = ""
		n++
	}
	return n, nil
}

func (q *memQueue) RecoverStale(context.Context, int) (int, error) { return 0, nil }

func (q *memQueue) Stats(_ context.Context, tenantID string) (*jobs.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &jobs.Stats{}
	for _, r := range q.rows {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		switch r.Status {
		case jobs.StatusPending:
			s.Pending++
		case jobs.StatusProcessing:
			s.Processing++
		case jobs.StatusCompleted:
			s.Completed++
		case jobs.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *memQueue) find(id string) *queueRow {
	for _, r := range q.rows {
		if r.ID == id {
			return r
		}
	}
	panic("queue row not found: " + id)
}

func (q *memQueue) bySubject(id uuid.UUID) *queueRow {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.rows {
		if r.SubjectID == id.String() {
			return r
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type memGraph struct {
	mu        sync.Mutex
	entities  []*graph.Entity
	relations []*graph.Relation
	loaded    []uuid.UUID
	failLoad  bool
	failWrite bool
}

func (g *memGraph) add(tenantID, typeName, label string) *graph.Entity {
	e := &graph.Entity{
		ID:         uuid.New(),
		TenantID:   tenantID,
		TypeName:   typeName,
		Label:      label,
		Properties: map[string]any{"name": label},
		CreatedAt:  time.Date(2024, 1, 1, 0, len(g.entities), 0, 0, time.UTC),
	}
	g.entities = append(g.entities, e)
	return e
}

func (g *memGraph) GetEntity(_ context.Context, tenantID string, id uuid.UUID) (*graph.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loaded = append(g.loaded, id)
	if g.failLoad {
		return nil, errors.New("connection reset by peer")
	}
	for _, e := range g.entities {
		if e.TenantID == tenantID && e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("entity %s not found", id)
}

func (g *memGraph) RecentEntities(_ context.Context, tenantID string, exclude uuid.UUID, limit int) ([]*graph.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*graph.Entity
	for i := len(g.entities) - 1; i >= 0 && len(out) < limit; i-- {
		e := g.entities[i]
		if e.TenantID == tenantID && e.ID != exclude {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *memGraph) InsertRelations(_ context.Context, batch []*graph.Relation) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrite {
		return 0, errors.New("deadlock detected")
	}
	n := 0
	for _, r := range batch {
		dup := false
		for _, x := range g.relations {
			if x.RelationTypeID == r.RelationTypeID && x.SourceEntityID == r.SourceEntityID && x.TargetEntityID == r.TargetEntityID {
				dup = true
			}
		}
		if dup {
			continue
		}
		r.ID = uuid.New()
		g.relations = append(g.relations, r)
		n++
	}
	return n, nil
}

type memRegistry struct {
	mu    sync.Mutex
	types map[string]*typeregistry.RelationType
	calls int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{types: map[string]*typeregistry.RelationType{}}
}

func (r *memRegistry) EnsureRelationType(_ context.Context, tenantID string, def typeregistry.RelationTypeSpec) (*typeregistry.RelationType, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if t, ok := r.types[def.Name]; ok {
		return t, false, nil
	}
	t := &typeregistry.RelationType{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Name:           def.Name,
		Label:          def.Label,
		SourceType:     def.SourceType,
		TargetType:     def.TargetType,
		Directionality: def.Directionality,
	}
	r.types[def.Name] = t
	return t, true, nil
}

// scriptedOracle answers relation proposals with a fixed candidate list.
type scriptedOracle struct {
	relations []oracle.RelationCandidate
	err       error
	panicMsg  string
	calls     int
}

func (o *scriptedOracle) Name() string { return "scripted" }

func (o *scriptedOracle) Suggest(_ context.Context, req oracle.Request) (json.RawMessage, error) {
	o.calls++
	if o.panicMsg != "" {
		panic(o.panicMsg)
	}
	if o.err != nil {
		return nil, o.err
	}
	rels := o.relations
	if rels == nil {
		rels = []oracle.RelationCandidate{}
	}
	return json.Marshal(oracle.RelationResult{Relations: rels})
}

func proposal(target *graph.Entity, relType string, confidence float64) oracle.RelationCandidate {
	return oracle.RelationCandidate{
		TargetEntityID: target.ID.String(),
		RelationType:   relType,
		Directionality: "directed",
		Confidence:     confidence,
		Justification:  "shared purchase history",
	}
}

func newTestEngine(q Queue, g Graph, r Registry, o oracle.Oracle) *Engine {
	cfg := &config.Config{Inference: config.InferenceConfig{BatchSize: 10, CandidateLimit: 100}}
	e := NewEngine(q, g, r, o, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}
