package typeregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/naming"
)

// Service is the schema registry: lookup-by-name and idempotent creation of
// entity and relation types. Creation is "first writer wins": a lookup runs
// before the insert, and an insert that loses the unique-name race re-fetches
// the winner's row.
type Service struct {
	store Store
	cache SnapshotCache
	log   *slog.Logger
}

// NewService creates the registry service. cache may be nil.
func NewService(store Store, cache SnapshotCache, log *slog.Logger) *Service {
	if cache == nil {
		cache = noopCache{}
	}
	return &Service{
		store: store,
		cache: cache,
		log:   log.With(logger.Scope("typeregistry")),
	}
}

// GetEntityType returns the named entity type or nil.
func (s *Service) GetEntityType(ctx context.Context, tenantID, name string) (*EntityType, error) {
	return s.store.FindEntityType(ctx, tenantID, name)
}

// GetRelationType returns the named relation type or nil.
func (s *Service) GetRelationType(ctx context.Context, tenantID, name string) (*RelationType, error) {
	return s.store.FindRelationType(ctx, tenantID, name)
}

// EnsureEntityType returns the entity type named def.Name, creating it when absent.
// created reports whether this call inserted the row.
func (s *Service) EnsureEntityType(ctx context.Context, tenantID string, def EntityTypeSpec) (t *EntityType, created bool, err error) {
	name := strings.TrimSpace(def.Name)
	if tenantID == "" || name == "" {
		return nil, false, apperror.NewBadRequest("tenant and entity type name are required")
	}

	existing, err := s.store.FindEntityType(ctx, tenantID, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	label := def.Label
	if label == "" {
		label = name
	}
	props := def.Properties
	if props == nil {
		props = []Property{}
	}
	display := def.Display
	if display == nil {
		display = map[string]any{}
	}

	t = &EntityType{
		TenantID:   tenantID,
		Name:       name,
		Label:      label,
		Properties: props,
		Display:    display,
		Version:    1,
	}
	err = s.store.InsertEntityType(ctx, t)
	if errors.Is(err, ErrDuplicateName) {
		winner, ferr := s.store.FindEntityType(ctx, tenantID, name)
		if ferr != nil {
			return nil, false, ferr
		}
		if winner == nil {
			return nil, false, fmt.Errorf("entity type %q conflicted but could not be re-fetched", name)
		}
		s.log.Debug("entity type created concurrently, using existing",
			slog.String("tenant_id", tenantID),
			slog.String("name", name),
		)
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.cache.Invalidate(ctx, tenantID)
	s.log.Info("entity type created",
		slog.String("tenant_id", tenantID),
		slog.String("name", name),
		slog.Int("properties", len(props)),
	)
	return t, true, nil
}

// EnsureRelationType returns the relation type named def.Name, creating it when absent.
// Missing endpoint constraints default to the wildcard.
func (s *Service) EnsureRelationType(ctx context.Context, tenantID string, def RelationTypeSpec) (t *RelationType, created bool, err error) {
	name := strings.TrimSpace(def.Name)
	if tenantID == "" || name == "" {
		return nil, false, apperror.NewBadRequest("tenant and relation type name are required")
	}

	existing, err := s.store.FindRelationType(ctx, tenantID, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	label := def.Label
	if label == "" {
		label = naming.Humanize(name)
	}

	t = &RelationType{
		TenantID:       tenantID,
		Name:           name,
		Label:          label,
		SourceType:     orWildcard(def.SourceType),
		TargetType:     orWildcard(def.TargetType),
		Directionality: normalizeDirectionality(def.Directionality),
		Version:        1,
	}
	err = s.store.InsertRelationType(ctx, t)
	if errors.Is(err, ErrDuplicateName) {
		winner, ferr := s.store.FindRelationType(ctx, tenantID, name)
		if ferr != nil {
			return nil, false, ferr
		}
		if winner == nil {
			return nil, false, fmt.Errorf("relation type %q conflicted but could not be re-fetched", name)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.cache.Invalidate(ctx, tenantID)
	s.log.Info("relation type created",
		slog.String("tenant_id", tenantID),
		slog.String("name", name),
		slog.String("source_type", t.SourceType),
		slog.String("target_type", t.TargetType),
	)
	return t, true, nil
}

// ListEntityTypes returns all entity types of a tenant ordered by name.
func (s *Service) ListEntityTypes(ctx context.Context, tenantID string) ([]EntityType, error) {
	return s.store.ListEntityTypes(ctx, tenantID)
}

// ListRelationTypes returns all relation types of a tenant ordered by name.
func (s *Service) ListRelationTypes(ctx context.Context, tenantID string) ([]RelationType, error) {
	return s.store.ListRelationTypes(ctx, tenantID)
}

// Snapshot returns the tenant's full ontology, served from the cache when possible.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(ctx, tenantID); ok {
		return snap, nil
	}

	ets, err := s.store.ListEntityTypes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rts, err := s.store.ListRelationTypes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ets == nil {
		ets = []EntityType{}
	}
	if rts == nil {
		rts = []RelationType{}
	}

	snap := &Snapshot{TenantID: tenantID, EntityTypes: ets, RelationTypes: rts}
	s.cache.Set(ctx, tenantID, snap)
	return snap, nil
}
