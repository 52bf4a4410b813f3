package oracle

import "github.com/google/jsonschema-go/jsonschema"

// TaskKind names the kind of suggestion requested.
type TaskKind string

const (
	TaskInspectRows      TaskKind = "inspect_rows"
	TaskMapOntology      TaskKind = "map_ontology"
	TaskProposeRelations TaskKind = "propose_relations"
)

// ForeignKey pairs a column with the domain it references.
type ForeignKey struct {
	Column     string `json:"column"`
	References string `json:"references"`
}

// InspectContext is the structured context for TaskInspectRows.
type InspectContext struct {
	DomainHint string           `json:"domain_hint"`
	Columns    []string         `json:"columns"`
	RowCount   int              `json:"row_count"`
	Sample     []map[string]any `json:"sample"`
}

// InspectIssue is one data-quality finding.
type InspectIssue struct {
	Severity   string  `json:"severity"`
	Column     *string `json:"column,omitempty"`
	Row        *int    `json:"row,omitempty"`
	Message    string  `json:"message"`
	Suggestion *string `json:"suggestion,omitempty"`
}

// InspectResult is the expected response for TaskInspectRows.
type InspectResult struct {
	IdentifierColumns []string       `json:"identifier_columns"`
	ForeignKeys       []ForeignKey   `json:"foreign_keys"`
	Issues            []InspectIssue `json:"issues"`
	QualityScore      float64        `json:"quality_score"`
}

// TypeInfo summarizes a registered entity type for the oracle.
// Identifier is the property entities of the type are keyed by.
type TypeInfo struct {
	Name       string   `json:"name"`
	Label      string   `json:"label"`
	Properties []string `json:"properties"`
	Identifier string   `json:"identifier,omitempty"`
}

// RelationTypeInfo summarizes a registered relation type for the oracle.
type RelationTypeInfo struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
}

// MappingContext is the structured context for TaskMapOntology.
type MappingContext struct {
	DomainHint        string             `json:"domain_hint"`
	Columns           []string           `json:"columns"`
	Sample            []map[string]any   `json:"sample"`
	IdentifierColumns []string           `json:"identifier_columns"`
	ForeignKeys       []ForeignKey       `json:"foreign_keys"`
	EntityTypes       []TypeInfo         `json:"entity_types"`
	RelationTypes     []RelationTypeInfo `json:"relation_types"`
}

// PropertyProposal is one property of a proposed entity type.
type PropertyProposal struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// NewTypeProposal describes an entity type the oracle wants created.
type NewTypeProposal struct {
	Name       string             `json:"name"`
	Label      string             `json:"label"`
	Properties []PropertyProposal `json:"properties"`
}

// ColumnProposal maps one column to one property.
type ColumnProposal struct {
	Column   string `json:"column"`
	Property string `json:"property"`
}

// EntityProposal is one entity role found in the rows.
type EntityProposal struct {
	Role             string           `json:"role"`
	ReuseType        *string          `json:"reuse_type,omitempty"`
	NewType          *NewTypeProposal `json:"new_type,omitempty"`
	LabelTemplate    string           `json:"label_template"`
	IdentifierColumn string           `json:"identifier_column"`
	Columns          []ColumnProposal `json:"columns"`
}

// RelationMappingProposal links two entity roles through key columns.
type RelationMappingProposal struct {
	RelationType      string  `json:"relation_type"`
	Label             string  `json:"label"`
	Directionality    string  `json:"directionality"`
	SourceType        string  `json:"source_type"`
	TargetType        string  `json:"target_type"`
	SourceKeyColumn   string  `json:"source_key_column"`
	TargetKeyColumn   string  `json:"target_key_column"`
	TargetKeyProperty *string `json:"target_key_property,omitempty"`
}

// MappingResult is the expected response for TaskMapOntology.
type MappingResult struct {
	Entities  []EntityProposal          `json:"entities"`
	Relations []RelationMappingProposal `json:"relations"`
}

// EntityInfo summarizes a materialized entity.
type EntityInfo struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// RelationContext is the structured context for TaskProposeRelations.
type RelationContext struct {
	Entity     EntityInfo   `json:"entity"`
	Candidates []EntityInfo `json:"candidates"`
}

// RelationCandidate is one proposed relation from the context entity.
type RelationCandidate struct {
	TargetEntityID string  `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Label          string  `json:"label"`
	Directionality string  `json:"directionality"`
	Confidence     float64 `json:"confidence"`
	Justification  string  `json:"justification"`
}

// RelationResult is the expected response for TaskProposeRelations.
type RelationResult struct {
	Relations []RelationCandidate `json:"relations"`
}

func str() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }

func nullable(t string) *jsonschema.Schema {
	return &jsonschema.Schema{Types: []string{t, "null"}}
}

func strs() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: str()}
}

func enum(values ...string) *jsonschema.Schema {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return &jsonschema.Schema{Type: "string", Enum: vals}
}

func number(min, max float64) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Minimum: &min, Maximum: &max}
}

func object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func array(items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: items}
}

func foreignKeySchema() *jsonschema.Schema {
	return object(map[string]*jsonschema.Schema{
		"column":     str(),
		"references": str(),
	}, "column", "references")
}

// InspectSchema is the output schema for TaskInspectRows.
func InspectSchema() *jsonschema.Schema {
	return object(map[string]*jsonschema.Schema{
		"identifier_columns": strs(),
		"foreign_keys":       array(foreignKeySchema()),
		"issues": array(object(map[string]*jsonschema.Schema{
			"severity":   enum("error", "warning", "info"),
			"column":     nullable("string"),
			"row":        nullable("integer"),
			"message":    str(),
			"suggestion": nullable("string"),
		}, "severity", "message")),
		"quality_score": number(0, 100),
	}, "identifier_columns", "foreign_keys", "issues", "quality_score")
}

// MappingSchema is the output schema for TaskMapOntology.
func MappingSchema() *jsonschema.Schema {
	property := object(map[string]*jsonschema.Schema{
		"name":     str(),
		"type":     enum("string", "number", "boolean", "date", "json"),
		"required": {Type: "boolean"},
	}, "name", "type")

	entity := object(map[string]*jsonschema.Schema{
		"role":       str(),
		"reuse_type": nullable("string"),
		"new_type": {
			Types: []string{"object", "null"},
			Properties: map[string]*jsonschema.Schema{
				"name":       str(),
				"label":      str(),
				"properties": array(property),
			},
		},
		"label_template":    str(),
		"identifier_column": str(),
		"columns": array(object(map[string]*jsonschema.Schema{
			"column":   str(),
			"property": str(),
		}, "column", "property")),
	}, "role", "label_template", "identifier_column", "columns")

	relation := object(map[string]*jsonschema.Schema{
		"relation_type":       str(),
		"label":               str(),
		"directionality":      enum("directed", "undirected"),
		"source_type":         str(),
		"target_type":         str(),
		"source_key_column":   str(),
		"target_key_column":   str(),
		"target_key_property": nullable("string"),
	}, "relation_type", "source_type", "target_type", "source_key_column", "target_key_column")

	return object(map[string]*jsonschema.Schema{
		"entities":  array(entity),
		"relations": array(relation),
	}, "entities", "relations")
}

// RelationSchema is the output schema for TaskProposeRelations.
func RelationSchema() *jsonschema.Schema {
	return object(map[string]*jsonschema.Schema{
		"relations": array(object(map[string]*jsonschema.Schema{
			"target_entity_id": str(),
			"relation_type":    str(),
			"label":            str(),
			"directionality":   enum("directed", "undirected"),
			"confidence":       number(0, 1),
			"justification":    str(),
		}, "target_entity_id", "relation_type", "confidence")),
	}, "relations")
}
