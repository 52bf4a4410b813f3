package typeregistry

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const (
	DirectionDirected   = "directed"
	DirectionUndirected = "undirected"

	// WildcardType is the advisory constraint meaning "any entity type".
	WildcardType = "*"
)

// Property is one declared property of an entity type.
// The list documents the type; it is never enforced on entity writes.
type Property struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// EntityType represents the kb.entity_types table
type EntityType struct {
	bun.BaseModel `bun:"table:kb.entity_types,alias:et"`

	ID         string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	TenantID   string         `bun:"tenant_id,notnull" json:"tenantId"`
	Name       string         `bun:"name,notnull" json:"name"`
	Label      string         `bun:"label,notnull" json:"label"`
	Properties []Property     `bun:"properties,type:jsonb,notnull" json:"properties"`
	Display    map[string]any `bun:"display,type:jsonb,notnull" json:"display,omitempty"`
	Version    int            `bun:"version,notnull,default:1" json:"version"`
	CreatedAt  time.Time      `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt  time.Time      `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// PropertyNames returns the declared property names in order.
func (t *EntityType) PropertyNames() []string {
	names := make([]string, len(t.Properties))
	for i, p := range t.Properties {
		names[i] = p.Name
	}
	return names
}

// IdentifierProperty returns the first required property, or "" when the
// type declares none. Relation mappings resolve targets of this type by it.
func (t *EntityType) IdentifierProperty() string {
	for _, p := range t.Properties {
		if p.Required {
			return p.Name
		}
	}
	return ""
}

// RelationType represents the kb.relation_types table.
// SourceType and TargetType are advisory labels, not foreign keys.
type RelationType struct {
	bun.BaseModel `bun:"table:kb.relation_types,alias:rt"`

	ID             string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	TenantID       string    `bun:"tenant_id,notnull" json:"tenantId"`
	Name           string    `bun:"name,notnull" json:"name"`
	Label          string    `bun:"label,notnull" json:"label"`
	SourceType     string    `bun:"source_type,notnull" json:"sourceType"`
	TargetType     string    `bun:"target_type,notnull" json:"targetType"`
	Directionality string    `bun:"directionality,notnull" json:"directionality"`
	Version        int       `bun:"version,notnull,default:1" json:"version"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// EntityTypeSpec describes an entity type to look up or create.
type EntityTypeSpec struct {
	Name       string         `json:"name" yaml:"name"`
	Label      string         `json:"label,omitempty" yaml:"label,omitempty"`
	Properties []Property     `json:"properties,omitempty" yaml:"properties,omitempty"`
	Display    map[string]any `json:"display,omitempty" yaml:"display,omitempty"`
}

// RelationTypeSpec describes a relation type to look up or create.
type RelationTypeSpec struct {
	Name           string `json:"name" yaml:"name"`
	Label          string `json:"label,omitempty" yaml:"label,omitempty"`
	SourceType     string `json:"sourceType,omitempty" yaml:"source_type,omitempty"`
	TargetType     string `json:"targetType,omitempty" yaml:"target_type,omitempty"`
	Directionality string `json:"directionality,omitempty" yaml:"directionality,omitempty"`
}

// Snapshot is the full ontology of one tenant at a point in time.
type Snapshot struct {
	TenantID      string         `json:"tenantId"`
	EntityTypes   []EntityType   `json:"entityTypes"`
	RelationTypes []RelationType `json:"relationTypes"`
}

// EntityType returns the entity type with the exact name, if present.
func (s *Snapshot) EntityType(name string) (*EntityType, bool) {
	for i := range s.EntityTypes {
		if s.EntityTypes[i].Name == name {
			return &s.EntityTypes[i], true
		}
	}
	return nil, false
}

// RelationType returns the relation type with the exact name, if present.
func (s *Snapshot) RelationType(name string) (*RelationType, bool) {
	for i := range s.RelationTypes {
		if s.RelationTypes[i].Name == name {
			return &s.RelationTypes[i], true
		}
	}
	return nil, false
}

func normalizeDirectionality(d string) string {
	if strings.EqualFold(strings.TrimSpace(d), DirectionUndirected) {
		return DirectionUndirected
	}
	return DirectionDirected
}

func orWildcard(s string) string {
	if strings.TrimSpace(s) == "" {
		return WildcardType
	}
	return s
}
