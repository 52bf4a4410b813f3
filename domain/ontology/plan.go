// Package ontology maps a validated row set onto the schema registry: one
// entity mapping per entity role in the rows, plus relation mappings between
// roles keyed by identifier and foreign-key columns.
package ontology

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emergent-company/tabgraph/domain/typeregistry"
)

// Plan sources.
const (
	SourceOracle  = "oracle"
	SourceDefault = "default"
	SourceFile    = "file"
	SourceRequest = "request"
)

// ColumnMapping copies one column into one entity property.
type ColumnMapping struct {
	Column   string `json:"column" yaml:"column"`
	Property string `json:"property" yaml:"property"`
}

// EntityMapping turns each row into one entity of a type.
// With Create set, NewType is registered before any entity is written.
type EntityMapping struct {
	Role             string                       `json:"role" yaml:"role"`
	TypeName         string                       `json:"typeName" yaml:"type"`
	TypeID           string                       `json:"typeId,omitempty" yaml:"-"`
	Create           bool                         `json:"create" yaml:"create"`
	NewType          *typeregistry.EntityTypeSpec `json:"newType,omitempty" yaml:"new_type,omitempty"`
	LabelTemplate    string                       `json:"labelTemplate" yaml:"label"`
	IdentifierColumn string                       `json:"identifierColumn" yaml:"identifier"`
	Columns          []ColumnMapping              `json:"columns" yaml:"columns"`

	// UpsertByKey merges re-imported rows into the entity with the same
	// identifier value instead of inserting a duplicate.
	UpsertByKey bool `json:"upsertByKey,omitempty" yaml:"upsert_by_key,omitempty"`
}

// IdentifierProperty returns the property the identifier column is copied into.
func (m *EntityMapping) IdentifierProperty() string {
	for _, c := range m.Columns {
		if c.Column == m.IdentifierColumn {
			return c.Property
		}
	}
	return m.IdentifierColumn
}

// RelationMapping links the entity a row produced for SourceType to the
// entity of TargetType whose TargetKeyProperty equals the row's TargetKeyColumn.
// An empty TargetKeyProperty means the target type's identifier property.
// When the row produced no source entity, the source is looked up by the
// row's SourceKeyColumn value against the source type's identifier property.
type RelationMapping struct {
	RelationType      string `json:"relationType" yaml:"type"`
	Label             string `json:"label,omitempty" yaml:"label,omitempty"`
	Directionality    string `json:"directionality" yaml:"directionality,omitempty"`
	SourceType        string `json:"sourceType" yaml:"source"`
	TargetType        string `json:"targetType" yaml:"target"`
	SourceKeyColumn   string `json:"sourceKeyColumn" yaml:"source_key"`
	TargetKeyColumn   string `json:"targetKeyColumn" yaml:"target_key"`
	TargetKeyProperty string `json:"targetKeyProperty" yaml:"target_property,omitempty"`
}

// Plan is the full mapping of one row set.
type Plan struct {
	DomainHint string            `json:"domainHint" yaml:"domain"`
	Source     string            `json:"source" yaml:"-"`
	Entities   []EntityMapping   `json:"entities" yaml:"entities"`
	Relations  []RelationMapping `json:"relations" yaml:"relations"`
}

// EntityFor returns the mapping producing entities of typeName.
func (p *Plan) EntityFor(typeName string) (*EntityMapping, bool) {
	for i := range p.Entities {
		if p.Entities[i].TypeName == typeName {
			return &p.Entities[i], true
		}
	}
	return nil, false
}

// Validate checks the structural rules a plan must meet before materialization.
func (p *Plan) Validate() error {
	if len(p.Entities) == 0 {
		return errors.New("plan has no entity mappings")
	}
	var errs []error
	seen := make(map[string]bool, len(p.Entities))
	for i, e := range p.Entities {
		switch {
		case strings.TrimSpace(e.TypeName) == "":
			errs = append(errs, fmt.Errorf("entity mapping %d: type is required", i))
			continue
		case seen[e.TypeName]:
			errs = append(errs, fmt.Errorf("entity mapping %d: type %q mapped twice", i, e.TypeName))
		case e.IdentifierColumn == "":
			errs = append(errs, fmt.Errorf("entity mapping %q: identifier column is required", e.TypeName))
		case !mentionsColumn(e, e.IdentifierColumn):
			errs = append(errs, fmt.Errorf("entity mapping %q: identifier %q appears in neither label nor columns", e.TypeName, e.IdentifierColumn))
		}
		seen[e.TypeName] = true
	}
	for i, r := range p.Relations {
		if r.RelationType == "" || r.SourceType == "" || r.TargetType == "" || r.TargetKeyColumn == "" {
			errs = append(errs, fmt.Errorf("relation mapping %d: type, source, target and target_key are required", i))
			continue
		}
		if !seen[r.SourceType] && r.SourceKeyColumn == "" {
			errs = append(errs, fmt.Errorf("relation mapping %q: source type %q is not mapped from these rows and has no source key", r.RelationType, r.SourceType))
		}
	}
	return errors.Join(errs...)
}

func mentionsColumn(e EntityMapping, col string) bool {
	for _, c := range e.Columns {
		if c.Column == col {
			return true
		}
	}
	for _, ph := range Placeholders(e.LabelTemplate) {
		if ph == col {
			return true
		}
	}
	return false
}

// LoadPlan reads a YAML mapping plan and fills defaults.
func LoadPlan(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode mapping plan: %w", err)
	}
	p.Source = SourceFile
	p.FillDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// FillDefaults completes the optional fields of a hand-written plan.
func (p *Plan) FillDefaults() {
	for i := range p.Entities {
		e := &p.Entities[i]
		if e.Role == "" {
			e.Role = strings.ToLower(e.TypeName)
		}
		if e.LabelTemplate == "" && e.IdentifierColumn != "" {
			e.LabelTemplate = "{" + e.IdentifierColumn + "}"
		}
		for j := range e.Columns {
			if e.Columns[j].Property == "" {
				e.Columns[j].Property = e.Columns[j].Column
			}
		}
		if e.Create && e.NewType == nil {
			e.NewType = &typeregistry.EntityTypeSpec{Name: e.TypeName}
		}
	}
	for i := range p.Relations {
		r := &p.Relations[i]
		// targets outside the plan are resolved against the registry at write time
		if r.TargetKeyProperty == "" {
			if em, ok := p.EntityFor(r.TargetType); ok {
				r.TargetKeyProperty = em.IdentifierProperty()
			}
		}
		if r.Directionality == "" {
			r.Directionality = typeregistry.DirectionDirected
		}
	}
}
