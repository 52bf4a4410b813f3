package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/rowset"
)

var errBatch = errors.New("batch rejected")

type memStore struct {
	mu        sync.Mutex
	entities  []*Entity
	relations []*Relation

	entityCalls  int
	failEntityAt map[int]bool // 1-based InsertEntities call numbers that fail
	lookups      []PropertyLookup
}

func newMemStore() *memStore {
	return &memStore{failEntityAt: map[int]bool{}}
}

func (m *memStore) InsertEntities(_ context.Context, batch []*Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityCalls++
	if m.failEntityAt[m.entityCalls] {
		return errBatch
	}
	for _, e := range batch {
		if e.NaturalKey != nil {
			if prev := m.byKey(e.EntityTypeID, *e.NaturalKey); prev != nil {
				for k, v := range e.Properties {
					prev.Properties[k] = v
				}
				prev.Label = e.Label
				e.ID = prev.ID
				continue
			}
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		cp := *e
		m.entities = append(m.entities, &cp)
	}
	return nil
}

func (m *memStore) byKey(typeID, key string) *Entity {
	for _, e := range m.entities {
		if e.EntityTypeID == typeID && e.NaturalKey != nil && *e.NaturalKey == key {
			return e
		}
	}
	return nil
}

func (m *memStore) InsertRelations(_ context.Context, batch []*Relation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range batch {
		dup := false
		for _, x := range m.relations {
			if x.RelationTypeID == r.RelationTypeID && x.SourceEntityID == r.SourceEntityID && x.TargetEntityID == r.TargetEntityID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		cp := *r
		m.relations = append(m.relations, &cp)
		n++
	}
	return n, nil
}

func (m *memStore) FindByProperty(_ context.Context, tenantID string, q PropertyLookup) (map[string]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, q)
	out := map[string]uuid.UUID{}
	for i := len(m.entities) - 1; i >= 0; i-- {
		e := m.entities[i]
		if e.TenantID != tenantID || e.TypeName != q.TypeName {
			continue
		}
		v := rowset.Stringify(e.Properties[q.Property])
		for _, want := range q.Values {
			if v == want {
				if _, ok := out[v]; !ok {
					out[v] = e.ID
				}
			}
		}
	}
	return out, nil
}

func (m *memStore) GetEntity(_ context.Context, tenantID string, id uuid.UUID) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.TenantID == tenantID && e.ID == id {
			return e, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *memStore) ListEntities(_ context.Context, tenantID string, f EntityFilter) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, e := range m.entities {
		if e.TenantID == tenantID && (f.TypeName == "" || e.TypeName == f.TypeName) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListRelations(_ context.Context, tenantID string, id uuid.UUID) ([]*Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Relation
	for _, r := range m.relations {
		if r.TenantID == tenantID && (r.SourceEntityID == id || r.TargetEntityID == id) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) RecentEntities(_ context.Context, tenantID string, exclude uuid.UUID, limit int) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for i := len(m.entities) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entities[i]; e.TenantID == tenantID && e.ID != exclude {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) labels(typeName string) []string {
	var out []string
	for _, e := range m.entities {
		if e.TypeName == typeName {
			out = append(out, e.Label)
		}
	}
	sort.Strings(out)
	return out
}

type fakeRegistry struct {
	entityTypes   map[string]*typeregistry.EntityType
	relationTypes map[string]*typeregistry.RelationType
	failEntity    map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		entityTypes:   map[string]*typeregistry.EntityType{},
		relationTypes: map[string]*typeregistry.RelationType{},
		failEntity:    map[string]bool{},
	}
}

func (f *fakeRegistry) GetEntityType(_ context.Context, _ string, name string) (*typeregistry.EntityType, error) {
	return f.entityTypes[name], nil
}

func (f *fakeRegistry) EnsureEntityType(_ context.Context, tenantID string, def typeregistry.EntityTypeSpec) (*typeregistry.EntityType, bool, error) {
	if f.failEntity[def.Name] {
		return nil, false, errors.New("registry unavailable")
	}
	if t, ok := f.entityTypes[def.Name]; ok {
		return t, false, nil
	}
	t := &typeregistry.EntityType{ID: uuid.NewString(), TenantID: tenantID, Name: def.Name, Properties: def.Properties}
	f.entityTypes[def.Name] = t
	return t, true, nil
}

func (f *fakeRegistry) EnsureRelationType(_ context.Context, tenantID string, def typeregistry.RelationTypeSpec) (*typeregistry.RelationType, bool, error) {
	if t, ok := f.relationTypes[def.Name]; ok {
		return t, false, nil
	}
	t := &typeregistry.RelationType{ID: uuid.NewString(), TenantID: tenantID, Name: def.Name, SourceType: def.SourceType, TargetType: def.TargetType}
	f.relationTypes[def.Name] = t
	return t, true, nil
}

type recordingProjector struct {
	entities  int
	relations int
}

func (p *recordingProjector) Project(_ context.Context, entities []*Entity, relations []*Relation) error {
	p.entities += len(entities)
	p.relations += len(relations)
	return nil
}

func newTestMaterializer(reg Registry, store Store, proj Projector, batch int) *Materializer {
	cfg := &config.Config{Ingestion: config.IngestionConfig{EntityBatchSize: batch, RelationBatchSize: batch}}
	return NewMaterializer(reg, store, proj, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
