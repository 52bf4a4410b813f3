package graph

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

	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/scope"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

// MappedWeight is the weight of relations materialized from an explicit mapping.
const MappedWeight = 1.0

var (
	entitiesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabgraph_materializer_entities_total",
		Help: "Entities processed by the materializer by outcome",
	}, []string{"outcome"})
	relationsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tabgraph_materializer_relations_total",
		Help: "Relations processed by the materializer by outcome",
	}, []string{"outcome"})
)

// Registry is the subset of the schema registry the materializer uses.
type Registry interface {
	GetEntityType(ctx context.Context, tenantID, name string) (*typeregistry.EntityType, error)
	EnsureEntityType(ctx context.Context, tenantID string, def typeregistry.EntityTypeSpec) (*typeregistry.EntityType, bool, error)
	EnsureRelationType(ctx context.Context, tenantID string, def typeregistry.RelationTypeSpec) (*typeregistry.RelationType, bool, error)
}

// Result reports one materialization run. Errors are itemized; the run
// itself only fails on missing input.
type Result struct {
	ImportID             uuid.UUID `json:"import_id"`
	EntitiesCreated      int       `json:"entities_created"`
	EntitiesFailed       int       `json:"entities_failed"`
	RelationsCreated     int       `json:"relations_created"`
	RelationsExisting    int       `json:"relations_existing"`
	RelationsSkipped     int       `json:"relations_skipped"`
	RelationsFailed      int       `json:"relations_failed"`
	EntityTypesCreated   []string  `json:"entity_types_created"`
	RelationTypesCreated []string  `json:"relation_types_created"`
	Errors               []string  `json:"errors"`

	// EntityIDs lists the ids of all entities written, for downstream enrichment.
	EntityIDs []uuid.UUID `json:"-"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Materializer executes mapping plans against row sets.
type Materializer struct {
	registry      Registry
	store         Store
	projector     Projector
	entityBatch   int
	relationBatch int
	log           *slog.Logger
}

// NewMaterializer creates a materializer. projector may be nil.
func NewMaterializer(registry Registry, store Store, projector Projector, cfg *config.Config, log *slog.Logger) *Materializer {
	eb, rb := cfg.Ingestion.EntityBatchSize, cfg.Ingestion.RelationBatchSize
	if eb <= 0 {
		eb = 1000
	}
	if rb <= 0 {
		rb = 1000
	}
	return &Materializer{
		registry:      registry,
		store:         store,
		projector:     projector,
		entityBatch:   eb,
		relationBatch: rb,
		log:           log.With(logger.Scope("materializer")),
	}
}

// run is the working state of one Materialize call.
type run struct {
	scope    scope.Scope
	importID uuid.UUID
	plan     *ontology.Plan
	rows     rowset.Set
	result   *Result

	// usable holds the resolved type id of every entity mapping that can be written
	usable map[string]string
	// rowEntities[i][typeName] is the entity row i produced for that type
	rowEntities []map[string]*Entity
	entities    []*Entity
	relations   []*Relation

	// keys[i] are the properties relation mapping i matches endpoints on
	keys  map[int]keyProps
	types map[string]*typeregistry.EntityType
}

// keyProps names the entity properties a relation mapping resolves its
// source and target by.
type keyProps struct {
	source string
	target string
}

// Materialize writes the entities and relations plan describes for rows.
// Steps run in order: entity types, entities, relation types, relations.
// Nothing is transactional across steps or batches.
func (m *Materializer) Materialize(ctx context.Context, s scope.Scope, plan *ontology.Plan, rows rowset.Set) (*Result, error) {
	if !s.Valid() {
		return nil, apperror.ErrMissingScope
	}
	if plan == nil || len(plan.Entities) == 0 {
		return nil, apperror.NewBadRequest("mapping plan has no entity mappings")
	}
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}

	ctx, span := tracing.Start(ctx, "materializer.materialize",
		attribute.String("tenant_id", s.TenantID),
		attribute.Int("rows", len(rows)),
		attribute.Int("entity_mappings", len(plan.Entities)),
	)
	defer span.End()

	start := time.Now()
	r := &run{
		scope:    s,
		importID: uuid.New(),
		plan:     plan,
		rows:     rows,
		result: &Result{
			EntityTypesCreated:   []string{},
			RelationTypesCreated: []string{},
			Errors:               []string{},
		},
		usable: make(map[string]string, len(plan.Entities)),
		keys:   make(map[int]keyProps, len(plan.Relations)),
		types:  map[string]*typeregistry.EntityType{},
	}
	r.result.ImportID = r.importID

	m.resolveEntityTypes(ctx, r)
	m.buildEntities(r)
	m.writeEntities(ctx, r)
	relTypes := m.resolveRelationTypes(ctx, r)
	m.buildRelations(ctx, r, relTypes)
	m.writeRelations(ctx, r)
	m.project(ctx, r)

	m.log.Info("materialization complete",
		slog.String("tenant_id", s.TenantID),
		slog.String("import_id", r.importID.String()),
		slog.Int("rows", len(rows)),
		slog.Int("entities_created", r.result.EntitiesCreated),
		slog.Int("relations_created", r.result.RelationsCreated),
		slog.Int("relations_skipped", r.result.RelationsSkipped),
		slog.Int("errors", len(r.result.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return r.result, nil
}

// resolveEntityTypes registers "create new" types and confirms reused ones.
// Type ids always come from the registry by name; an id carried in the plan
// is overwritten. A type that cannot be resolved disables only its own mapping.
func (m *Materializer) resolveEntityTypes(ctx context.Context, r *run) {
	for i := range r.plan.Entities {
		em := &r.plan.Entities[i]
		def := typeregistry.EntityTypeSpec{Name: em.TypeName}
		if em.NewType != nil {
			def = *em.NewType
			if def.Name == "" {
				def.Name = em.TypeName
			}
		}
		et, created, err := m.registry.EnsureEntityType(ctx, r.scope.TenantID, def)
		if err != nil {
			r.result.addError("entity type %q: %v", em.TypeName, err)
			m.log.Warn("entity type could not be resolved",
				slog.String("type", em.TypeName),
				logger.Error(err),
			)
			continue
		}
		if em.TypeID != "" && em.TypeID != et.ID {
			m.log.Warn("plan type id does not match registry",
				slog.String("type", em.TypeName),
				slog.String("plan_type_id", em.TypeID),
				slog.String("type_id", et.ID),
			)
		}
		em.TypeID = et.ID
		r.usable[em.TypeName] = et.ID
		r.types[em.TypeName] = et
		if created {
			r.result.EntityTypesCreated = append(r.result.EntityTypesCreated, et.Name)
		}
	}
}

// buildEntities renders one entity per row and usable mapping. Rows of an
// upserting mapping that share an identifier collapse into one entity.
func (m *Materializer) buildEntities(r *run) {
	r.rowEntities = make([]map[string]*Entity, len(r.rows))
	keyed := make(map[string]*Entity)

	for i, row := range r.rows {
		r.rowEntities[i] = make(map[string]*Entity, len(r.plan.Entities))
		for _, em := range r.plan.Entities {
			typeID, ok := r.usable[em.TypeName]
			if !ok {
				continue
			}

			props := make(map[string]any, len(em.Columns))
			for _, c := range em.Columns {
				if v, present := row[c.Column]; present {
					props[c.Property] = v
				}
			}

			e := &Entity{
				TenantID:     r.scope.TenantID,
				StoreID:      r.scope.StorePtr(),
				EntityTypeID: typeID,
				TypeName:     em.TypeName,
				Label:        ontology.RenderLabel(em.LabelTemplate, row),
				Properties:   props,
				ImportID:     &r.importID,
			}

			if em.UpsertByKey {
				if key := strings.TrimSpace(rowset.Stringify(row[em.IdentifierColumn])); key != "" {
					if prev, dup := keyed[typeID+"/"+key]; dup {
						for k, v := range props {
							prev.Properties[k] = v
						}
						prev.Label = e.Label
						r.rowEntities[i][em.TypeName] = prev
						continue
					}
					e.NaturalKey = &key
					keyed[typeID+"/"+key] = e
				}
			}

			r.rowEntities[i][em.TypeName] = e
			r.entities = append(r.entities, e)
		}
	}
}

func (m *Materializer) writeEntities(ctx context.Context, r *run) {
	for start := 0; start < len(r.entities); start += m.entityBatch {
		end := min(start+m.entityBatch, len(r.entities))
		batch := r.entities[start:end]

		if err := m.store.InsertEntities(ctx, batch); err != nil {
			for _, e := range batch {
				e.ID = uuid.Nil
			}
			r.result.EntitiesFailed += len(batch)
			r.result.addError("entity batch %d-%d: %v", start, end-1, err)
			entitiesWritten.WithLabelValues("failed").Add(float64(len(batch)))
			m.log.Error("entity batch failed",
				slog.Int("from", start),
				slog.Int("to", end-1),
				logger.Error(err),
			)
			continue
		}

		r.result.EntitiesCreated += len(batch)
		entitiesWritten.WithLabelValues("created").Add(float64(len(batch)))
		for _, e := range batch {
			r.result.EntityIDs = append(r.result.EntityIDs, e.ID)
		}
	}
}

// resolveRelationTypes ensures the relation type of every mapping whose
// source type is usable: mapped and written here, or registered already and
// reachable through a source key. Types only exist once their endpoints do.
func (m *Materializer) resolveRelationTypes(ctx context.Context, r *run) map[int]string {
	ids := make(map[int]string, len(r.plan.Relations))
	for i, rm := range r.plan.Relations {
		if !m.sourceAvailable(ctx, r, rm) {
			r.result.addError("relation mapping %q: source type %q unavailable", rm.RelationType, rm.SourceType)
			continue
		}
		r.keys[i] = keyProps{
			source: firstNonEmpty(m.identifierProperty(ctx, r, rm.SourceType), rm.SourceKeyColumn),
			target: firstNonEmpty(rm.TargetKeyProperty, m.identifierProperty(ctx, r, rm.TargetType), rm.TargetKeyColumn),
		}
		rt, created, err := m.registry.EnsureRelationType(ctx, r.scope.TenantID, typeregistry.RelationTypeSpec{
			Name:           rm.RelationType,
			Label:          rm.Label,
			SourceType:     rm.SourceType,
			TargetType:     rm.TargetType,
			Directionality: rm.Directionality,
		})
		if err != nil {
			r.result.addError("relation type %q: %v", rm.RelationType, err)
			continue
		}
		ids[i] = rt.ID
		if created {
			r.result.RelationTypesCreated = append(r.result.RelationTypesCreated, rt.Name)
		}
	}
	return ids
}

func (m *Materializer) sourceAvailable(ctx context.Context, r *run, rm ontology.RelationMapping) bool {
	if _, ok := r.usable[rm.SourceType]; ok {
		return true
	}
	if _, mapped := r.plan.EntityFor(rm.SourceType); mapped || rm.SourceKeyColumn == "" {
		return false
	}
	return m.registeredType(ctx, r, rm.SourceType) != nil
}

// identifierProperty returns the property entities of typeName are keyed by:
// the identifier property of its mapping in this plan, else the registered
// type's first required property. It returns "" when neither is known.
func (m *Materializer) identifierProperty(ctx context.Context, r *run, typeName string) string {
	if em, ok := r.plan.EntityFor(typeName); ok {
		return em.IdentifierProperty()
	}
	if et := m.registeredType(ctx, r, typeName); et != nil {
		return et.IdentifierProperty()
	}
	return ""
}

func (m *Materializer) registeredType(ctx context.Context, r *run, typeName string) *typeregistry.EntityType {
	if et, ok := r.types[typeName]; ok {
		return et
	}
	et, err := m.registry.GetEntityType(ctx, r.scope.TenantID, typeName)
	if err != nil {
		m.log.Warn("entity type lookup failed",
			slog.String("type", typeName),
			logger.Error(err),
		)
		return nil
	}
	r.types[typeName] = et
	return et
}

// buildRelations resolves each row's endpoints by key: first against the
// entities this import wrote, then against the store. The source is the
// entity the row produced; when there is none, it is looked up by the row's
// source key. Unresolvable rows are counted as skipped.
func (m *Materializer) buildRelations(ctx context.Context, r *run, relTypes map[int]string) {
	// ref is an endpoint that is either known or waiting on lookups[lookup]
	type ref struct {
		id     uuid.UUID
		lookup int
		value  string
	}
	type pending struct {
		relTypeID string
		source    ref
		target    ref
	}
	var (
		waiting []pending
		lookups []PropertyLookup
		lookupI = map[string]int{}
		seen    = map[string]bool{}
	)

	index := m.importIndex(r)

	find := func(typeName, prop, value string) ref {
		k := typeName + "\x00" + prop
		if id, ok := index[k][value]; ok {
			return ref{id: id, lookup: -1}
		}
		li, ok := lookupI[k]
		if !ok {
			li = len(lookups)
			lookupI[k] = li
			lookups = append(lookups, PropertyLookup{TypeName: typeName, Property: prop})
		}
		lookups[li].Values = appendUnique(lookups[li].Values, value)
		return ref{lookup: li, value: value}
	}

	for i, rm := range r.plan.Relations {
		relTypeID, ok := relTypes[i]
		if !ok {
			continue
		}
		keys := r.keys[i]

		for rowIdx, row := range r.rows {
			value := strings.TrimSpace(rowset.Stringify(row[rm.TargetKeyColumn]))
			if value == "" {
				r.result.RelationsSkipped++
				continue
			}

			var source ref
			if src := r.rowEntities[rowIdx][rm.SourceType]; src != nil && src.ID != uuid.Nil {
				source = ref{id: src.ID, lookup: -1}
			} else {
				key := ""
				if rm.SourceKeyColumn != "" {
					key = strings.TrimSpace(rowset.Stringify(row[rm.SourceKeyColumn]))
				}
				if key == "" {
					r.result.RelationsSkipped++
					continue
				}
				source = find(rm.SourceType, keys.source, key)
			}

			waiting = append(waiting, pending{
				relTypeID: relTypeID,
				source:    source,
				target:    find(rm.TargetType, keys.target, value),
			})
		}
	}

	resolved := make([]map[string]uuid.UUID, len(lookups))
	for i, q := range lookups {
		found, err := m.store.FindByProperty(ctx, r.scope.TenantID, q)
		if err != nil {
			r.result.addError("resolve %s.%s: %v", q.TypeName, q.Property, err)
			continue
		}
		resolved[i] = found
	}
	idOf := func(x ref) uuid.UUID {
		if x.lookup < 0 {
			return x.id
		}
		return resolved[x.lookup][x.value]
	}

	for _, p := range waiting {
		src, target := idOf(p.source), idOf(p.target)
		if src == uuid.Nil || target == uuid.Nil || src == target {
			r.result.RelationsSkipped++
			continue
		}
		k := p.relTypeID + "/" + src.String() + "/" + target.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		r.relations = append(r.relations, &Relation{
			TenantID:       r.scope.TenantID,
			RelationTypeID: p.relTypeID,
			SourceEntityID: src,
			TargetEntityID: target,
			Weight:         MappedWeight,
			Properties: map[string]any{
				"origin":     "mapping",
				"import_id":  r.importID.String(),
				"target_key": p.target.value,
			},
		})
	}
}

// importIndex maps "type\x00property" -> value -> entity id for every entity
// this run wrote, over the properties relation mappings look up.
func (m *Materializer) importIndex(r *run) map[string]map[string]uuid.UUID {
	wanted := map[string][]string{}
	for i, keys := range r.keys {
		rm := r.plan.Relations[i]
		wanted[rm.TargetType] = appendUnique(wanted[rm.TargetType], keys.target)
		wanted[rm.SourceType] = appendUnique(wanted[rm.SourceType], keys.source)
	}

	index := map[string]map[string]uuid.UUID{}
	for _, e := range r.entities {
		if e.ID == uuid.Nil {
			continue
		}
		for _, prop := range wanted[e.TypeName] {
			v := strings.TrimSpace(rowset.Stringify(e.Properties[prop]))
			if v == "" {
				continue
			}
			k := e.TypeName + "\x00" + prop
			if index[k] == nil {
				index[k] = map[string]uuid.UUID{}
			}
			// later rows win, matching the newest-first store lookup
			index[k][v] = e.ID
		}
	}
	return index
}

func (m *Materializer) writeRelations(ctx context.Context, r *run) {
	for start := 0; start < len(r.relations); start += m.relationBatch {
		end := min(start+m.relationBatch, len(r.relations))
		batch := r.relations[start:end]

		n, err := m.store.InsertRelations(ctx, batch)
		if err != nil {
			r.result.RelationsFailed += len(batch)
			r.result.addError("relation batch %d-%d: %v", start, end-1, err)
			relationsWritten.WithLabelValues("failed").Add(float64(len(batch)))
			m.log.Error("relation batch failed",
				slog.Int("from", start),
				slog.Int("to", end-1),
				logger.Error(err),
			)
			for _, rel := range batch {
				rel.ID = uuid.Nil
			}
			continue
		}
		r.result.RelationsCreated += n
		r.result.RelationsExisting += len(batch) - n
		relationsWritten.WithLabelValues("created").Add(float64(n))
	}
	relationsWritten.WithLabelValues("skipped").Add(float64(r.result.RelationsSkipped))
}

func (m *Materializer) project(ctx context.Context, r *run) {
	if m.projector == nil {
		return
	}
	var rels []*Relation
	for _, rel := range r.relations {
		if rel.ID != uuid.Nil {
			rels = append(rels, rel)
		}
	}
	var entities []*Entity
	for _, e := range r.entities {
		if e.ID != uuid.Nil {
			entities = append(entities, e)
		}
	}
	if err := m.projector.Project(ctx, entities, rels); err != nil {
		m.log.Warn("graph projection failed", logger.Error(err))
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
