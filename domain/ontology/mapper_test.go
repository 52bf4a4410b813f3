package ontology

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/oracle"
	"github.com/emergent-company/tabgraph/pkg/rowset"
)

type fakeRegistry struct {
	snap *typeregistry.Snapshot
}

func (f *fakeRegistry) Snapshot(context.Context, string) (*typeregistry.Snapshot, error) {
	return f.snap, nil
}

type fakeOracle struct {
	raw string
	err error
}

func (f *fakeOracle) Name() string { return "fake" }

func (f *fakeOracle) Suggest(context.Context, oracle.Request) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.raw), nil
}

func newTestMapper(o oracle.Oracle, snap *typeregistry.Snapshot) *Mapper {
	cfg := &config.Config{Ingestion: config.IngestionConfig{SampleHead: 10, SampleTail: 10}}
	return NewMapper(o, &fakeRegistry{snap: snap}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func customerSnapshot() *typeregistry.Snapshot {
	return &typeregistry.Snapshot{
		TenantID:    "t1",
		EntityTypes: []typeregistry.EntityType{{ID: "et-customer", Name: "Customer", Properties: []typeregistry.Property{{Name: "customer_id"}}}},
	}
}

func purchaseRows() rowset.Set {
	return rowset.Set{
		{"purchase_id": "P1", "customer_id": "C1", "amount": "10"},
		{"purchase_id": "P2", "customer_id": "C2", "amount": "12"},
	}
}

func purchaseReport() *rowvalidator.Report {
	return &rowvalidator.Report{
		DomainHint:        "purchases",
		Columns:           []string{"amount", "customer_id", "purchase_id"},
		IdentifierColumns: []string{"purchase_id"},
		ForeignKeys:       []oracle.ForeignKey{{Column: "customer_id", References: "customer"}},
	}
}

func TestMap_OracleUnavailableFallsBackToDefault(t *testing.T) {
	m := newTestMapper(&fakeOracle{err: errors.New("timeout")}, &typeregistry.Snapshot{})

	rows := rowset.Set{{"customer_id": "C1", "name": "Ann"}}
	report := &rowvalidator.Report{DomainHint: "customers", Columns: []string{"customer_id", "name"}}

	plan, err := m.Map(context.Background(), "t1", rows, report)
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, plan.Source)
	require.Len(t, plan.Entities, 1)
	e := plan.Entities[0]
	assert.Equal(t, "Customer", e.TypeName)
	assert.True(t, e.Create)
	assert.Equal(t, "{name}", e.LabelTemplate)
	assert.Equal(t, "customer_id", e.IdentifierColumn)
	assert.Len(t, e.Columns, 2)
	assert.Empty(t, plan.Relations)
	assert.NoError(t, plan.Validate())
}

func TestMap_DefaultReusesExistingType(t *testing.T) {
	m := newTestMapper(nil, customerSnapshot())

	rows := rowset.Set{{"customer_id": "C3"}}
	plan, err := m.Map(context.Background(), "t1", rows, &rowvalidator.Report{DomainHint: "customers", Columns: []string{"customer_id"}})
	require.NoError(t, err)
	e := plan.Entities[0]
	assert.False(t, e.Create)
	assert.Equal(t, "et-customer", e.TypeID)
	assert.Equal(t, "{customer_id}", e.LabelTemplate)
}

func TestMap_HeuristicProposal(t *testing.T) {
	m := newTestMapper(oracle.NewHeuristic(), customerSnapshot())

	plan, err := m.Map(context.Background(), "t1", purchaseRows(), purchaseReport())
	require.NoError(t, err)
	assert.Equal(t, SourceOracle, plan.Source)

	require.Len(t, plan.Entities, 1)
	e := plan.Entities[0]
	assert.Equal(t, "Purchase", e.TypeName)
	assert.True(t, e.Create)
	require.NotNil(t, e.NewType)
	assert.NotEmpty(t, e.NewType.Properties)

	require.Len(t, plan.Relations, 1)
	r := plan.Relations[0]
	assert.Equal(t, "Purchase", r.SourceType)
	assert.Equal(t, "Customer", r.TargetType)
	assert.Equal(t, "customer_id", r.TargetKeyColumn)
	assert.Equal(t, "customer_id", r.TargetKeyProperty)
	assert.NoError(t, plan.Validate())
}

func TestMap_RepairsProposal(t *testing.T) {
	raw := `{
		"entities": [
			{"role": "purchase", "reuse_type": "Ghost", "label_template": "", "identifier_column": "nope",
			 "columns": [{"column": "amount", "property": "total"}, {"column": "bogus", "property": "x"}]},
			{"role": "customer", "reuse_type": "Customer", "label_template": "{customer_id}", "identifier_column": "customer_id",
			 "columns": [{"column": "customer_id", "property": "customer_id"}]},
			{"role": "empty", "label_template": "", "identifier_column": "", "columns": []}
		],
		"relations": [
			{"relation_type": "PLACED_BY", "source_type": "Ghost", "target_type": "Customer",
			 "source_key_column": "purchase_id", "target_key_column": "customer_id"},
			{"relation_type": "BAD_TARGET_KEY", "source_type": "Ghost", "target_type": "Customer",
			 "source_key_column": "purchase_id", "target_key_column": "amount"},
			{"relation_type": "UNKNOWN_TARGET", "source_type": "Ghost", "target_type": "Store",
			 "source_key_column": "purchase_id", "target_key_column": "customer_id"},
			{"relation_type": "UNMAPPED_SOURCE", "source_type": "Order", "target_type": "Customer",
			 "source_key_column": "purchase_id", "target_key_column": "customer_id"}
		]
	}`
	m := newTestMapper(&fakeOracle{raw: raw}, customerSnapshot())

	plan, err := m.Map(context.Background(), "t1", purchaseRows(), purchaseReport())
	require.NoError(t, err)
	require.Len(t, plan.Entities, 2)

	ghost := plan.Entities[0]
	assert.Equal(t, "Ghost", ghost.TypeName)
	assert.True(t, ghost.Create)
	assert.Equal(t, "purchase_id", ghost.IdentifierColumn)
	assert.Equal(t, "{purchase_id}", ghost.LabelTemplate)
	assert.Equal(t, []ColumnMapping{
		{Column: "amount", Property: "total"},
		{Column: "purchase_id", Property: "purchase_id"},
		{Column: "customer_id", Property: "customer_id"},
	}, ghost.Columns)

	customer := plan.Entities[1]
	assert.False(t, customer.Create)
	assert.Equal(t, "et-customer", customer.TypeID)

	require.Len(t, plan.Relations, 1)
	assert.Equal(t, "PLACED_BY", plan.Relations[0].RelationType)
	assert.Equal(t, "directed", plan.Relations[0].Directionality)
}

func idKeyedCustomerSnapshot() *typeregistry.Snapshot {
	return &typeregistry.Snapshot{
		TenantID: "t1",
		EntityTypes: []typeregistry.EntityType{{
			ID:   "et-customer",
			Name: "Customer",
			Properties: []typeregistry.Property{
				{Name: "id", Type: "string", Required: true},
				{Name: "name", Type: "string"},
			},
		}},
	}
}

func TestMap_RelationTargetsIdentifierProperty(t *testing.T) {
	m := newTestMapper(oracle.NewHeuristic(), idKeyedCustomerSnapshot())

	plan, err := m.Map(context.Background(), "t1", purchaseRows(), purchaseReport())
	require.NoError(t, err)
	require.Len(t, plan.Relations, 1)
	assert.Equal(t, "customer_id", plan.Relations[0].TargetKeyColumn)
	assert.Equal(t, "id", plan.Relations[0].TargetKeyProperty)
}

func TestMap_UndeclaredTargetPropertyFallsBackToIdentifier(t *testing.T) {
	raw := `{
		"entities": [
			{"role": "purchase", "new_type": {"name": "Purchase", "label": "Purchase", "properties": []},
			 "label_template": "{purchase_id}", "identifier_column": "purchase_id", "columns": []}
		],
		"relations": [
			{"relation_type": "PURCHASED_BY", "source_type": "Purchase", "target_type": "Customer",
			 "source_key_column": "purchase_id", "target_key_column": "customer_id", "target_key_property": "customer_id"},
			{"relation_type": "NAMED_AFTER", "source_type": "Purchase", "target_type": "Customer",
			 "source_key_column": "purchase_id", "target_key_column": "customer_id", "target_key_property": "name"}
		]
	}`
	m := newTestMapper(&fakeOracle{raw: raw}, idKeyedCustomerSnapshot())

	plan, err := m.Map(context.Background(), "t1", purchaseRows(), purchaseReport())
	require.NoError(t, err)
	require.Len(t, plan.Relations, 2)
	assert.Equal(t, "id", plan.Relations[0].TargetKeyProperty)
	assert.Equal(t, "name", plan.Relations[1].TargetKeyProperty)
}

func TestMap_EmptyRows(t *testing.T) {
	m := newTestMapper(oracle.NewHeuristic(), &typeregistry.Snapshot{})
	_, err := m.Map(context.Background(), "t1", nil, nil)
	assert.Error(t, err)
}
