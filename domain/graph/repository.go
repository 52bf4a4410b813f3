package graph

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/emergent-company/tabgraph/internal/database"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
)

const lookupChunk = 1000

// Store is the graph persistence contract used by the materializer and the inference engine.
type Store interface {
	// InsertEntities writes one batch atomically. Entities with a NaturalKey are
	// merged into the existing row of the same type and key, and receive its id.
	InsertEntities(ctx context.Context, batch []*Entity) error
	// InsertRelations writes one batch atomically, ignoring relations that
	// already exist. It returns how many rows were new.
	InsertRelations(ctx context.Context, batch []*Relation) (int, error)
	// FindByProperty maps property values to the most recent matching entity id.
	FindByProperty(ctx context.Context, tenantID string, q PropertyLookup) (map[string]uuid.UUID, error)

	GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*Entity, error)
	ListEntities(ctx context.Context, tenantID string, f EntityFilter) ([]*Entity, error)
	ListRelations(ctx context.Context, tenantID string, entityID uuid.UUID) ([]*Relation, error)
	// RecentEntities returns up to limit entities of the tenant, newest first, excluding one id.
	RecentEntities(ctx context.Context, tenantID string, exclude uuid.UUID, limit int) ([]*Entity, error)
}

// Repository handles database operations for entities and relations.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new graph repository.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("graph.repo")),
	}
}

func (r *Repository) InsertEntities(ctx context.Context, batch []*Entity) error {
	var plain, keyed []*Entity
	for _, e := range batch {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.NaturalKey != nil {
			keyed = append(keyed, e)
		} else {
			plain = append(plain, e)
		}
	}

	tx, err := database.BeginSafeTx(ctx, r.db)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	if len(plain) > 0 {
		if _, err := tx.NewInsert().Model(&plain).Exec(ctx); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
	}

	if len(keyed) > 0 {
		var returned []struct {
			ID           uuid.UUID `bun:"id"`
			EntityTypeID string    `bun:"entity_type_id"`
			NaturalKey   string    `bun:"natural_key"`
		}
		_, err := tx.NewInsert().
			Model(&keyed).
			On("CONFLICT (tenant_id, entity_type_id, natural_key) WHERE natural_key IS NOT NULL DO UPDATE").
			Set("properties = e.properties || EXCLUDED.properties").
			Set("label = EXCLUDED.label").
			Set("store_id = COALESCE(EXCLUDED.store_id, e.store_id)").
			Set("import_id = EXCLUDED.import_id").
			Set("updated_at = now()").
			Returning("id, entity_type_id, natural_key").
			Exec(ctx, &returned)
		if err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		ids := make(map[string]uuid.UUID, len(returned))
		for _, row := range returned {
			ids[row.EntityTypeID+"/"+row.NaturalKey] = row.ID
		}
		for _, e := range keyed {
			if id, ok := ids[e.EntityTypeID+"/"+*e.NaturalKey]; ok {
				e.ID = id
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) InsertRelations(ctx context.Context, batch []*Relation) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	for _, rel := range batch {
		if rel.ID == uuid.Nil {
			rel.ID = uuid.New()
		}
	}
	res, err := r.db.NewInsert().
		Model(&batch).
		On("CONFLICT (relation_type_id, source_entity_id, target_entity_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return len(batch), nil
	}
	return int(n), nil
}

func (r *Repository) FindByProperty(ctx context.Context, tenantID string, q PropertyLookup) (map[string]uuid.UUID, error) {
	found := make(map[string]uuid.UUID, len(q.Values))
	for start := 0; start < len(q.Values); start += lookupChunk {
		end := min(start+lookupChunk, len(q.Values))

		var rows []struct {
			ID  uuid.UUID `bun:"id"`
			Key string    `bun:"key"`
		}
		err := r.db.NewSelect().
			TableExpr("kb.entities AS e").
			ColumnExpr("e.id").
			ColumnExpr("e.properties ->> ? AS key", q.Property).
			Where("e.tenant_id = ?", tenantID).
			Where("e.type_name = ?", q.TypeName).
			Where("e.properties ->> ? IN (?)", q.Property, bun.In(q.Values[start:end])).
			OrderExpr("e.created_at DESC").
			Scan(ctx, &rows)
		if err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		for _, row := range rows {
			if _, seen := found[row.Key]; !seen {
				found[row.Key] = row.ID
			}
		}
	}
	return found, nil
}

func (r *Repository) GetEntity(ctx context.Context, tenantID string, id uuid.UUID) (*Entity, error) {
	var e Entity
	err := r.db.NewSelect().
		Model(&e).
		Where("e.tenant_id = ?", tenantID).
		Where("e.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("Entity", id.String())
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &e, nil
}

func (r *Repository) ListEntities(ctx context.Context, tenantID string, f EntityFilter) ([]*Entity, error) {
	var entities []*Entity
	q := r.db.NewSelect().
		Model(&entities).
		Where("e.tenant_id = ?", tenantID).
		OrderExpr("e.created_at DESC").
		Limit(f.Limit).
		Offset(f.Offset)
	if f.TypeName != "" {
		q = q.Where("e.type_name = ?", f.TypeName)
	}
	if f.StoreID != "" {
		q = q.Where("e.store_id = ?", f.StoreID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entities, nil
}

func (r *Repository) ListRelations(ctx context.Context, tenantID string, entityID uuid.UUID) ([]*Relation, error) {
	var rels []*Relation
	err := r.db.NewSelect().
		Model(&rels).
		ColumnExpr("r.*").
		ColumnExpr("rt.name AS relation_type").
		Join("JOIN kb.relation_types AS rt ON rt.id = r.relation_type_id").
		Where("r.tenant_id = ?", tenantID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("r.source_entity_id = ?", entityID).
				WhereOr("r.target_entity_id = ?", entityID)
		}).
		OrderExpr("r.weight DESC, r.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rels, nil
}

func (r *Repository) RecentEntities(ctx context.Context, tenantID string, exclude uuid.UUID, limit int) ([]*Entity, error) {
	var entities []*Entity
	err := r.db.NewSelect().
		Model(&entities).
		Where("e.tenant_id = ?", tenantID).
		Where("e.id != ?", exclude).
		OrderExpr("e.created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entities, nil
}
