package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emergent-company/tabgraph/pkg/naming"
	"github.com/emergent-company/tabgraph/pkg/rowset"
)

// heuristicConfidence is what the rule-based oracle reports for an exact key match.
const heuristicConfidence = 0.9

// Heuristic is a rule-based Oracle. It answers from column naming conventions
// and sampled values only, so it never fails for transport reasons.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Name() string {
	return "heuristic"
}

func (h *Heuristic) Suggest(ctx context.Context, req Request) (json.RawMessage, error) {
	switch req.Kind {
	case TaskInspectRows:
		var c InspectContext
		if err := remarshal(req.Context, &c); err != nil {
			return nil, err
		}
		return json.Marshal(h.inspect(c))
	case TaskMapOntology:
		var c MappingContext
		if err := remarshal(req.Context, &c); err != nil {
			return nil, err
		}
		return json.Marshal(h.mapOntology(c))
	case TaskProposeRelations:
		var c RelationContext
		if err := remarshal(req.Context, &c); err != nil {
			return nil, err
		}
		return json.Marshal(h.proposeRelations(c))
	default:
		return nil, fmt.Errorf("heuristic oracle: unsupported task %q", req.Kind)
	}
}

func (h *Heuristic) inspect(c InspectContext) InspectResult {
	res := InspectResult{
		IdentifierColumns: []string{},
		ForeignKeys:       []ForeignKey{},
		Issues:            []InspectIssue{},
	}
	hintStem := hintNoun(c.DomainHint)

	var keyColumns []string
	for _, col := range c.Columns {
		stem, isKey := naming.KeyStem(col)
		if !isKey {
			continue
		}
		keyColumns = append(keyColumns, col)
		if stem == "" || lastWord(stem) == hintStem {
			res.IdentifierColumns = append(res.IdentifierColumns, col)
			continue
		}
		res.ForeignKeys = append(res.ForeignKeys, ForeignKey{Column: col, References: stem})
	}

	// Promote the first fully unique key column when no name matched the domain.
	if len(res.IdentifierColumns) == 0 {
		for i, fk := range res.ForeignKeys {
			if uniqueValues(c.Sample, fk.Column) {
				res.IdentifierColumns = append(res.IdentifierColumns, fk.Column)
				res.ForeignKeys = append(res.ForeignKeys[:i], res.ForeignKeys[i+1:]...)
				break
			}
		}
	}

	var errs, warns, infos int
	for _, col := range c.Columns {
		col := col
		missing := 0
		numeric, text := 0, 0
		for _, row := range c.Sample {
			s := strings.TrimSpace(rowset.Stringify(row[col]))
			if s == "" {
				missing++
				continue
			}
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				numeric++
			} else {
				text++
			}
		}
		if missing > 0 {
			warns++
			res.Issues = append(res.Issues, InspectIssue{
				Severity:   "warning",
				Column:     &col,
				Message:    fmt.Sprintf("%d of %d sampled rows have no value", missing, len(c.Sample)),
				Suggestion: ptr("fill or drop rows with empty cells"),
			})
		}
		if numeric > 0 && text > 0 {
			infos++
			res.Issues = append(res.Issues, InspectIssue{
				Severity: "info",
				Column:   &col,
				Message:  "column mixes numeric and text values",
			})
		}
	}
	for _, col := range res.IdentifierColumns {
		col := col
		if !uniqueValues(c.Sample, col) {
			errs++
			res.Issues = append(res.Issues, InspectIssue{
				Severity:   "error",
				Column:     &col,
				Message:    "identifier column has duplicate values",
				Suggestion: ptr("deduplicate rows or choose another identifier"),
			})
		}
	}

	res.QualityScore = clampScore(100 - 20*float64(errs) - 5*float64(warns) - float64(infos))
	return res
}

func (h *Heuristic) mapOntology(c MappingContext) MappingResult {
	res := MappingResult{Entities: []EntityProposal{}, Relations: []RelationMappingProposal{}}
	if len(c.Columns) == 0 {
		return res
	}

	typeName := naming.TypeNameFromHint(c.DomainHint)
	identifier := pickIdentifier(c.Columns, c.IdentifierColumns)

	entity := EntityProposal{
		Role:             strings.ToLower(typeName),
		LabelTemplate:    "{" + pickLabelColumn(c.Columns, identifier) + "}",
		IdentifierColumn: identifier,
	}
	for _, col := range c.Columns {
		entity.Columns = append(entity.Columns, ColumnProposal{Column: col, Property: col})
	}

	if existing := findType(c.EntityTypes, typeName); existing != nil {
		entity.ReuseType = &existing.Name
		typeName = existing.Name
	} else {
		nt := &NewTypeProposal{Name: typeName, Label: typeName}
		for _, col := range c.Columns {
			nt.Properties = append(nt.Properties, PropertyProposal{
				Name:     col,
				Type:     inferType(c.Sample, col),
				Required: col == identifier,
			})
		}
		entity.NewType = nt
	}
	res.Entities = append(res.Entities, entity)

	for _, fk := range c.ForeignKeys {
		target := findType(c.EntityTypes, naming.TypeNameFromHint(fk.References))
		if target == nil {
			continue
		}
		// targets are matched on their own identifier, not the foreign-key name
		prop := target.Identifier
		if prop == "" {
			prop = fk.Column
		}
		res.Relations = append(res.Relations, RelationMappingProposal{
			RelationType:      "REFERENCES_" + naming.UpperSnake(fk.References),
			Label:             "references " + strings.ReplaceAll(fk.References, "_", " "),
			Directionality:    "directed",
			SourceType:        typeName,
			TargetType:        target.Name,
			SourceKeyColumn:   identifier,
			TargetKeyColumn:   fk.Column,
			TargetKeyProperty: &prop,
		})
	}
	return res
}

func (h *Heuristic) proposeRelations(c RelationContext) RelationResult {
	res := RelationResult{Relations: []RelationCandidate{}}
	for key, val := range c.Entity.Properties {
		stem, isKey := naming.KeyStem(key)
		want := rowset.Stringify(val)
		if !isKey || stem == "" || want == "" {
			continue
		}
		targetType := naming.TypeNameFromHint(stem)
		for _, cand := range c.Candidates {
			if cand.ID == c.Entity.ID || !strings.EqualFold(cand.Type, targetType) {
				continue
			}
			if rowset.Stringify(cand.Properties[key]) != want {
				continue
			}
			res.Relations = append(res.Relations, RelationCandidate{
				TargetEntityID: cand.ID,
				RelationType:   "REFERENCES_" + naming.UpperSnake(stem),
				Label:          "references " + strings.ReplaceAll(stem, "_", " "),
				Directionality: "directed",
				Confidence:     heuristicConfidence,
				Justification:  fmt.Sprintf("%s %q matches the %s of %q", key, want, key, cand.Label),
			})
		}
	}
	return res
}

func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	return nil
}

func hintNoun(hint string) string {
	words := naming.Words(hint)
	if len(words) == 0 {
		return ""
	}
	return naming.Singular(words[len(words)-1])
}

func lastWord(s string) string {
	words := naming.Words(s)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

func uniqueValues(sample []map[string]any, col string) bool {
	seen := make(map[string]struct{}, len(sample))
	for _, row := range sample {
		v := rowset.Stringify(row[col])
		if v == "" {
			return false
		}
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}
	}
	return len(sample) > 0
}

func pickIdentifier(columns, identifiers []string) string {
	for _, id := range identifiers {
		for _, col := range columns {
			if col == id {
				return id
			}
		}
	}
	for _, col := range columns {
		if _, isKey := naming.KeyStem(col); isKey {
			return col
		}
	}
	return columns[0]
}

func pickLabelColumn(columns []string, fallback string) string {
	for _, want := range []string{"name", "title", "label", "full_name", "display_name"} {
		for _, col := range columns {
			if strings.EqualFold(col, want) {
				return col
			}
		}
	}
	for _, col := range columns {
		if strings.HasSuffix(strings.ToLower(col), "_name") {
			return col
		}
	}
	return fallback
}

func findType(types []TypeInfo, name string) *TypeInfo {
	for i := range types {
		if strings.EqualFold(types[i].Name, name) {
			return &types[i]
		}
	}
	return nil
}

func inferType(sample []map[string]any, col string) string {
	kind := ""
	for _, row := range sample {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		var k string
		switch t := v.(type) {
		case bool:
			k = "boolean"
		case float64, int, int64:
			k = "number"
		case string:
			k = stringKind(t)
		default:
			k = "json"
		}
		if k == "" {
			continue
		}
		if kind != "" && kind != k {
			return "string"
		}
		kind = k
	}
	if kind == "" {
		return "string"
	}
	return kind
}

func stringKind(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return "number"
	}
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no":
		return "boolean"
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return "date"
		}
	}
	return "string"
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func ptr[T any](v T) *T {
	return &v
}
