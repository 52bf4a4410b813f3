package typeregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/emergent-company/tabgraph/pkg/pgutils"
)

// ErrDuplicateName is returned by inserts that lost a race on the unique name.
var ErrDuplicateName = errors.New("type name already exists")

// Store is the persistence contract of the registry.
// Find* return (nil, nil) when nothing matches.
type Store interface {
	FindEntityType(ctx context.Context, tenantID, name string) (*EntityType, error)
	InsertEntityType(ctx context.Context, t *EntityType) error
	ListEntityTypes(ctx context.Context, tenantID string) ([]EntityType, error)

	FindRelationType(ctx context.Context, tenantID, name string) (*RelationType, error)
	InsertRelationType(ctx context.Context, t *RelationType) error
	ListRelationTypes(ctx context.Context, tenantID string) ([]RelationType, error)
}

// Repository handles database operations for the type registry
type Repository struct {
	db bun.IDB
}

// NewRepository creates a new type registry repository
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindEntityType(ctx context.Context, tenantID, name string) (*EntityType, error) {
	var t EntityType
	err := r.db.NewSelect().
		Model(&t).
		Where("tenant_id = ?", tenantID).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entity type %q: %w", name, err)
	}
	return &t, nil
}

// InsertEntityType inserts t, mapping a unique violation to ErrDuplicateName.
func (r *Repository) InsertEntityType(ctx context.Context, t *EntityType) error {
	_, err := r.db.NewInsert().Model(t).Returning("*").Exec(ctx)
	if pgutils.IsUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert entity type %q: %w", t.Name, err)
	}
	return nil
}

func (r *Repository) ListEntityTypes(ctx context.Context, tenantID string) ([]EntityType, error) {
	var types []EntityType
	err := r.db.NewSelect().
		Model(&types).
		Where("tenant_id = ?", tenantID).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	return types, nil
}

func (r *Repository) FindRelationType(ctx context.Context, tenantID, name string) (*RelationType, error) {
	var t RelationType
	err := r.db.NewSelect().
		Model(&t).
		Where("tenant_id = ?", tenantID).
		Where("name = ?", name).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find relation type %q: %w", name, err)
	}
	return &t, nil
}

// InsertRelationType inserts t, mapping a unique violation to ErrDuplicateName.
func (r *Repository) InsertRelationType(ctx context.Context, t *RelationType) error {
	_, err := r.db.NewInsert().Model(t).Returning("*").Exec(ctx)
	if pgutils.IsUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("insert relation type %q: %w", t.Name, err)
	}
	return nil
}

func (r *Repository) ListRelationTypes(ctx context.Context, tenantID string) ([]RelationType, error) {
	var types []RelationType
	err := r.db.NewSelect().
		Model(&types).
		Where("tenant_id = ?", tenantID).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list relation types: %w", err)
	}
	return types, nil
}
