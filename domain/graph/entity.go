package graph

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Entity represents the kb.entities table.
// NaturalKey is set only for entities written by an upserting mapping.
type Entity struct {
	bun.BaseModel `bun:"table:kb.entities,alias:e"`

	ID           uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	TenantID     string         `bun:"tenant_id,notnull" json:"tenant_id"`
	StoreID      *string        `bun:"store_id" json:"store_id,omitempty"`
	EntityTypeID string         `bun:"entity_type_id,type:uuid,notnull" json:"entity_type_id"`
	TypeName     string         `bun:"type_name,notnull" json:"type"`
	Label        string         `bun:"label,notnull" json:"label"`
	Properties   map[string]any `bun:"properties,type:jsonb,notnull" json:"properties"`
	NaturalKey   *string        `bun:"natural_key" json:"natural_key,omitempty"`
	ImportID     *uuid.UUID     `bun:"import_id,type:uuid" json:"import_id,omitempty"`
	CreatedAt    time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt    time.Time      `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Relation represents the kb.relations table.
// Weight is 1.0 for mapped relations and the confidence for inferred ones.
type Relation struct {
	bun.BaseModel `bun:"table:kb.relations,alias:r"`

	ID             uuid.UUID      `bun:"id,pk,type:uuid" json:"id"`
	TenantID       string         `bun:"tenant_id,notnull" json:"tenant_id"`
	RelationTypeID string         `bun:"relation_type_id,type:uuid,notnull" json:"relation_type_id"`
	SourceEntityID uuid.UUID      `bun:"source_entity_id,type:uuid,notnull" json:"source_entity_id"`
	TargetEntityID uuid.UUID      `bun:"target_entity_id,type:uuid,notnull" json:"target_entity_id"`
	Weight         float64        `bun:"weight,notnull" json:"weight"`
	Properties     map[string]any `bun:"properties,type:jsonb,notnull" json:"properties"`
	CreatedAt      time.Time      `bun:"created_at,notnull,default:now()" json:"created_at"`

	// Set on reads that join the relation type.
	RelationType string `bun:"relation_type,scanonly" json:"relation_type,omitempty"`
}

// EntityFilter narrows entity listings.
type EntityFilter struct {
	TypeName string
	StoreID  string
	Limit    int
	Offset   int
}

// PropertyLookup asks for entities of one type whose property equals one of Values.
type PropertyLookup struct {
	TypeName string
	Property string
	Values   []string
}
