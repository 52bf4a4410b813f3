package ontology

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/naming"
	"github.com/emergent-company/tabgraph/pkg/oracle"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

// Registry is the read side of the schema registry the mapper consults.
type Registry interface {
	Snapshot(ctx context.Context, tenantID string) (*typeregistry.Snapshot, error)
}

// Mapper produces mapping plans, asking the oracle for a proposal and
// repairing or replacing whatever it cannot use.
type Mapper struct {
	oracle   oracle.Oracle
	registry Registry
	head     int
	tail     int
	log      *slog.Logger
}

// NewMapper creates an ontology mapper.
func NewMapper(o oracle.Oracle, registry Registry, cfg *config.Config, log *slog.Logger) *Mapper {
	return &Mapper{
		oracle:   o,
		registry: registry,
		head:     cfg.Ingestion.SampleHead,
		tail:     cfg.Ingestion.SampleTail,
		log:      log.With(logger.Scope("ontology")),
	}
}

// Map builds the plan for rows of one tenant. The returned plan always has at
// least one entity mapping; relation mappings may be empty.
func (m *Mapper) Map(ctx context.Context, tenantID string, rows rowset.Set, report *rowvalidator.Report) (*Plan, error) {
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}
	if report == nil {
		report = &rowvalidator.Report{Columns: rows.Columns()}
	}

	ctx, span := tracing.Start(ctx, "ontology.map",
		attribute.String("domain_hint", report.DomainHint),
		attribute.Int("columns", len(report.Columns)),
	)
	defer span.End()

	snap, err := m.registry.Snapshot(ctx, tenantID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	var proposal oracle.MappingResult
	req := oracle.Request{
		Kind:         oracle.TaskMapOntology,
		Context:      m.mappingContext(rows, report, snap),
		OutputSchema: oracle.MappingSchema(),
	}

	plan := &Plan{DomainHint: report.DomainHint, Source: SourceOracle}
	if oracle.Ask(ctx, m.oracle, req, &proposal, m.log) {
		c := &checker{cols: report.Columns, report: report, snap: snap}
		plan.Entities = c.entities(proposal.Entities)
		plan.Relations = c.relations(proposal.Relations, plan)
	}

	if len(plan.Entities) == 0 {
		plan = DefaultPlan(report, snap)
	}

	m.log.Info("mapping plan ready",
		slog.String("tenant_id", tenantID),
		slog.String("domain_hint", report.DomainHint),
		slog.String("source", plan.Source),
		slog.Int("entity_mappings", len(plan.Entities)),
		slog.Int("relation_mappings", len(plan.Relations)),
	)
	return plan, nil
}

func (m *Mapper) mappingContext(rows rowset.Set, report *rowvalidator.Report, snap *typeregistry.Snapshot) oracle.MappingContext {
	sample := rows.Sample(m.head, m.tail)
	mc := oracle.MappingContext{
		DomainHint:        report.DomainHint,
		Columns:           report.Columns,
		Sample:            make([]map[string]any, len(sample)),
		IdentifierColumns: report.IdentifierColumns,
		ForeignKeys:       report.ForeignKeys,
		EntityTypes:       make([]oracle.TypeInfo, 0, len(snap.EntityTypes)),
		RelationTypes:     make([]oracle.RelationTypeInfo, 0, len(snap.RelationTypes)),
	}
	for i, r := range sample {
		mc.Sample[i] = r
	}
	for _, t := range snap.EntityTypes {
		mc.EntityTypes = append(mc.EntityTypes, oracle.TypeInfo{
			Name:       t.Name,
			Label:      t.Label,
			Properties: t.PropertyNames(),
			Identifier: t.IdentifierProperty(),
		})
	}
	for _, t := range snap.RelationTypes {
		mc.RelationTypes = append(mc.RelationTypes, oracle.RelationTypeInfo{Name: t.Name, SourceType: t.SourceType, TargetType: t.TargetType})
	}
	return mc
}

// DefaultPlan maps every column into one entity type named after the domain
// hint. It is used whenever no usable proposal is available.
func DefaultPlan(report *rowvalidator.Report, snap *typeregistry.Snapshot) *Plan {
	typeName := naming.TypeNameFromHint(report.DomainHint)
	identifier := defaultIdentifier(report.Columns, report.IdentifierColumns)

	e := EntityMapping{
		Role:             strings.ToLower(typeName),
		TypeName:         typeName,
		LabelTemplate:    "{" + labelColumn(report.Columns, identifier) + "}",
		IdentifierColumn: identifier,
		Columns:          identityColumns(report.Columns),
	}
	if existing, ok := snap.EntityType(typeName); ok {
		e.TypeID = existing.ID
	} else {
		e.Create = true
		e.NewType = &typeregistry.EntityTypeSpec{Name: typeName, Label: naming.Humanize(typeName), Properties: propertiesFor(e.Columns, identifier)}
	}

	return &Plan{
		DomainHint: report.DomainHint,
		Source:     SourceDefault,
		Entities:   []EntityMapping{e},
		Relations:  []RelationMapping{},
	}
}

// checker validates an oracle proposal against the actual columns and registry.
type checker struct {
	cols   []string
	report *rowvalidator.Report
	snap   *typeregistry.Snapshot
}

func (c *checker) has(col string) bool { return slices.Contains(c.cols, col) }

func (c *checker) entities(props []oracle.EntityProposal) []EntityMapping {
	out := make([]EntityMapping, 0, len(props))
	for _, p := range props {
		e := EntityMapping{Role: p.Role, LabelTemplate: strings.TrimSpace(p.LabelTemplate)}

		switch {
		case p.ReuseType != nil && c.known(*p.ReuseType):
			et, _ := c.snap.EntityType(*p.ReuseType)
			e.TypeName, e.TypeID = et.Name, et.ID
		case p.NewType != nil && strings.TrimSpace(p.NewType.Name) != "":
			e.TypeName = strings.TrimSpace(p.NewType.Name)
		case p.ReuseType != nil && strings.TrimSpace(*p.ReuseType) != "":
			// reuse of a type that does not exist becomes a create
			e.TypeName = strings.TrimSpace(*p.ReuseType)
		default:
			continue
		}
		if _, dup := findMapping(out, e.TypeName); dup {
			continue
		}

		seenProp := map[string]bool{}
		for _, cp := range p.Columns {
			prop := strings.TrimSpace(cp.Property)
			if prop == "" {
				prop = cp.Column
			}
			if !c.has(cp.Column) || seenProp[prop] {
				continue
			}
			seenProp[prop] = true
			e.Columns = append(e.Columns, ColumnMapping{Column: cp.Column, Property: prop})
		}
		if len(e.Columns) == 0 {
			e.Columns = identityColumns(c.cols)
		}

		e.IdentifierColumn = p.IdentifierColumn
		if !c.has(e.IdentifierColumn) {
			e.IdentifierColumn = defaultIdentifier(c.cols, c.report.IdentifierColumns)
		}
		// key columns are always copied so relations can resolve against them
		for _, key := range append([]string{e.IdentifierColumn}, foreignKeyColumns(c.report)...) {
			if !mapsColumn(e.Columns, key) && c.has(key) {
				e.Columns = append(e.Columns, ColumnMapping{Column: key, Property: key})
			}
		}
		if e.LabelTemplate == "" {
			e.LabelTemplate = "{" + e.IdentifierColumn + "}"
		}

		if existing, ok := c.snap.EntityType(e.TypeName); ok {
			e.TypeID = existing.ID
		} else if e.TypeID == "" {
			e.Create = true
			e.NewType = &typeregistry.EntityTypeSpec{Name: e.TypeName, Label: e.TypeName}
			if p.NewType != nil {
				if p.NewType.Label != "" {
					e.NewType.Label = p.NewType.Label
				}
				for _, pp := range p.NewType.Properties {
					e.NewType.Properties = append(e.NewType.Properties, typeregistry.Property{Name: pp.Name, Type: pp.Type, Required: pp.Required})
				}
			}
			if len(e.NewType.Properties) == 0 {
				e.NewType.Properties = propertiesFor(e.Columns, e.IdentifierColumn)
			}
		}
		if e.Role == "" {
			e.Role = strings.ToLower(e.TypeName)
		}
		out = append(out, e)
	}
	return out
}

func (c *checker) known(name string) bool {
	_, ok := c.snap.EntityType(name)
	return ok
}

// relations keeps the relation mappings whose endpoints will exist and whose
// key columns are present; with a foreign-key classification available, the
// target key must be one of those foreign keys.
func (c *checker) relations(props []oracle.RelationMappingProposal, plan *Plan) []RelationMapping {
	out := make([]RelationMapping, 0, len(props))
	fks := foreignKeyColumns(c.report)
	for _, p := range props {
		if strings.TrimSpace(p.RelationType) == "" {
			continue
		}
		src, ok := plan.EntityFor(p.SourceType)
		if !ok {
			continue
		}
		if _, inPlan := plan.EntityFor(p.TargetType); !inPlan && !c.known(p.TargetType) {
			continue
		}
		if !c.has(p.TargetKeyColumn) {
			continue
		}
		if len(fks) > 0 && !slices.Contains(fks, p.TargetKeyColumn) {
			continue
		}

		r := RelationMapping{
			RelationType:      strings.TrimSpace(p.RelationType),
			Label:             p.Label,
			Directionality:    p.Directionality,
			SourceType:        p.SourceType,
			TargetType:        p.TargetType,
			SourceKeyColumn:   p.SourceKeyColumn,
			TargetKeyColumn:   p.TargetKeyColumn,
			TargetKeyProperty: c.targetProperty(p, plan),
		}
		if !c.has(r.SourceKeyColumn) {
			r.SourceKeyColumn = src.IdentifierColumn
		}
		if r.Directionality == "" {
			r.Directionality = typeregistry.DirectionDirected
		}
		out = append(out, r)
	}
	return out
}

// targetProperty picks the property target entities are matched on. A
// proposed property is kept only when the target type has it; otherwise the
// target's identifier property is used, falling back to the key column name.
func (c *checker) targetProperty(p oracle.RelationMappingProposal, plan *Plan) string {
	var identifier string
	var declared []string
	if em, ok := plan.EntityFor(p.TargetType); ok {
		identifier = em.IdentifierProperty()
		for _, cm := range em.Columns {
			declared = append(declared, cm.Property)
		}
	} else if et, ok := c.snap.EntityType(p.TargetType); ok {
		identifier = et.IdentifierProperty()
		declared = et.PropertyNames()
	}

	if p.TargetKeyProperty != nil {
		prop := strings.TrimSpace(*p.TargetKeyProperty)
		if prop != "" && (len(declared) == 0 || slices.Contains(declared, prop)) {
			return prop
		}
	}
	if identifier != "" {
		return identifier
	}
	return p.TargetKeyColumn
}

func findMapping(ms []EntityMapping, typeName string) (int, bool) {
	for i := range ms {
		if ms[i].TypeName == typeName {
			return i, true
		}
	}
	return -1, false
}

func mapsColumn(cols []ColumnMapping, col string) bool {
	for _, c := range cols {
		if c.Column == col {
			return true
		}
	}
	return false
}

func foreignKeyColumns(report *rowvalidator.Report) []string {
	cols := make([]string, 0, len(report.ForeignKeys))
	for _, fk := range report.ForeignKeys {
		cols = append(cols, fk.Column)
	}
	return cols
}

func identityColumns(cols []string) []ColumnMapping {
	out := make([]ColumnMapping, len(cols))
	for i, c := range cols {
		out[i] = ColumnMapping{Column: c, Property: c}
	}
	return out
}

func propertiesFor(cols []ColumnMapping, identifier string) []typeregistry.Property {
	props := make([]typeregistry.Property, len(cols))
	for i, c := range cols {
		props[i] = typeregistry.Property{Name: c.Property, Type: "string", Required: c.Column == identifier}
	}
	return props
}

func defaultIdentifier(cols, identifiers []string) string {
	for _, id := range identifiers {
		if slices.Contains(cols, id) {
			return id
		}
	}
	for _, c := range cols {
		if _, ok := naming.KeyStem(c); ok {
			return c
		}
	}
	if len(cols) == 0 {
		return ""
	}
	return cols[0]
}

func labelColumn(cols []string, fallback string) string {
	for _, want := range []string{"name", "title", "label", "full_name", "display_name"} {
		for _, c := range cols {
			if strings.EqualFold(c, want) {
				return c
			}
		}
	}
	for _, c := range cols {
		if strings.HasSuffix(strings.ToLower(c), "_name") {
			return c
		}
	}
	return fallback
}
