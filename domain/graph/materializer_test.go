package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/typeregistry"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/scope"
)

var tenant = scope.Scope{TenantID: "t1", StoreID: "s1"}

func customerPlan() *ontology.Plan {
	return &ontology.Plan{
		DomainHint: "customers",
		Entities: []ontology.EntityMapping{{
			Role:             "customer",
			TypeName:         "Customer",
			Create:           true,
			NewType:          &typeregistry.EntityTypeSpec{Name: "Customer"},
			LabelTemplate:    "{name}",
			IdentifierColumn: "customer_id",
			Columns: []ontology.ColumnMapping{
				{Column: "customer_id", Property: "customer_id"},
				{Column: "name", Property: "name"},
			},
		}},
	}
}

func purchasePlan() *ontology.Plan {
	return &ontology.Plan{
		DomainHint: "purchases",
		Entities: []ontology.EntityMapping{{
			TypeName:         "Purchase",
			Create:           true,
			LabelTemplate:    "{purchase_id}",
			IdentifierColumn: "purchase_id",
			Columns: []ontology.ColumnMapping{
				{Column: "purchase_id", Property: "purchase_id"},
				{Column: "customer_id", Property: "customer_id"},
			},
		}},
		Relations: []ontology.RelationMapping{{
			RelationType:      "PURCHASED_BY",
			SourceType:        "Purchase",
			TargetType:        "Customer",
			SourceKeyColumn:   "purchase_id",
			TargetKeyColumn:   "customer_id",
			TargetKeyProperty: "customer_id",
		}},
	}
}

func TestMaterialize_CustomerScenario(t *testing.T) {
	store := newMemStore()
	reg := newFakeRegistry()
	m := newTestMaterializer(reg, store, nil, 1000)

	rows := rowset.Set{
		{"customer_id": "C1", "name": "Ann"},
		{"customer_id": "C2", "name": "Bob"},
	}
	res, err := m.Materialize(context.Background(), tenant, customerPlan(), rows)
	require.NoError(t, err)

	assert.Equal(t, 2, res.EntitiesCreated)
	assert.Equal(t, 0, res.RelationsCreated)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"Customer"}, res.EntityTypesCreated)
	assert.Len(t, res.EntityIDs, 2)

	assert.Equal(t, []string{"Ann", "Bob"}, store.labels("Customer"))
	for _, e := range store.entities {
		assert.Contains(t, e.Properties, "customer_id")
		assert.Equal(t, "s1", *e.StoreID)
		assert.Equal(t, res.ImportID, *e.ImportID)
	}
}

func TestMaterialize_ResolvesTargetsFromStoreAndSkipsUnknown(t *testing.T) {
	store := newMemStore()
	reg := newFakeRegistry()
	m := newTestMaterializer(reg, store, nil, 1000)
	ctx := context.Background()

	_, err := m.Materialize(ctx, tenant, customerPlan(), rowset.Set{
		{"customer_id": "C1", "name": "Ann"},
		{"customer_id": "C2", "name": "Bob"},
	})
	require.NoError(t, err)

	res, err := m.Materialize(ctx, tenant, purchasePlan(), rowset.Set{
		{"purchase_id": "P1", "customer_id": "C1"},
		{"purchase_id": "P2", "customer_id": "C2"},
		{"purchase_id": "P3", "customer_id": "C404"},
		{"purchase_id": "P4", "customer_id": ""},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.EntitiesCreated)
	assert.Equal(t, 2, res.RelationsCreated)
	assert.Equal(t, 2, res.RelationsSkipped)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"PURCHASED_BY"}, res.RelationTypesCreated)

	require.Len(t, store.lookups, 1)
	assert.ElementsMatch(t, []string{"C1", "C2", "C404"}, store.lookups[0].Values)

	for _, r := range store.relations {
		assert.Equal(t, MappedWeight, r.Weight)
		assert.Equal(t, "mapping", r.Properties["origin"])
	}
}

func TestMaterialize_ResolvesTargetsWithinImport(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)

	plan := purchasePlan()
	plan.Entities = append(plan.Entities, ontology.EntityMapping{
		TypeName:         "Customer",
		Create:           true,
		LabelTemplate:    "{customer_name}",
		IdentifierColumn: "customer_id",
		Columns: []ontology.ColumnMapping{
			{Column: "customer_id", Property: "customer_id"},
			{Column: "customer_name", Property: "name"},
		},
	})

	res, err := m.Materialize(context.Background(), tenant, plan, rowset.Set{
		{"purchase_id": "P1", "customer_id": "C1", "customer_name": "Ann"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EntitiesCreated)
	assert.Equal(t, 1, res.RelationsCreated)
	assert.Empty(t, store.lookups)

	rel := store.relations[0]
	src, _ := store.GetEntity(context.Background(), "t1", rel.SourceEntityID)
	dst, _ := store.GetEntity(context.Background(), "t1", rel.TargetEntityID)
	assert.Equal(t, "Purchase", src.TypeName)
	assert.Equal(t, "Ann", dst.Label)
}

func TestMaterialize_TargetsMatchIdentifierProperty(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)
	ctx := context.Background()

	customers := &ontology.Plan{Entities: []ontology.EntityMapping{{
		TypeName: "Customer",
		Create:   true,
		NewType: &typeregistry.EntityTypeSpec{Name: "Customer", Properties: []typeregistry.Property{
			{Name: "id", Type: "string", Required: true},
			{Name: "name", Type: "string"},
		}},
		LabelTemplate:    "{name}",
		IdentifierColumn: "id",
		Columns: []ontology.ColumnMapping{
			{Column: "id", Property: "id"},
			{Column: "name", Property: "name"},
		},
	}}}
	_, err := m.Materialize(ctx, tenant, customers, rowset.Set{
		{"id": "C1", "name": "Ann"},
		{"id": "C2", "name": "Bob"},
	})
	require.NoError(t, err)

	purchases := purchasePlan()
	purchases.Relations[0].TargetKeyProperty = ""
	res, err := m.Materialize(ctx, tenant, purchases, rowset.Set{{"purchase_id": "P1", "customer_id": "C1"}})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RelationsCreated)
	assert.Equal(t, 0, res.RelationsSkipped)
	require.Len(t, store.lookups, 1)
	assert.Equal(t, "id", store.lookups[0].Property)

	rel := store.relations[0]
	dst, err := store.GetEntity(ctx, "t1", rel.TargetEntityID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", dst.Label)
}

func TestMaterialize_SourceFallsBackToSourceKey(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)
	ctx := context.Background()

	_, err := m.Materialize(ctx, tenant, customerPlan(), rowset.Set{{"customer_id": "C1", "name": "Ann"}})
	require.NoError(t, err)
	purchasesOnly := purchasePlan()
	purchasesOnly.Relations = nil
	_, err = m.Materialize(ctx, tenant, purchasesOnly, rowset.Set{{"purchase_id": "P1", "customer_id": "C1"}})
	require.NoError(t, err)
	existing := store.entities[1]
	require.Equal(t, "Purchase", existing.TypeName)

	// the purchase batch fails; the relation still links the stored purchase
	store.failEntityAt[3] = true
	res, err := m.Materialize(ctx, tenant, purchasePlan(), rowset.Set{{"purchase_id": "P1", "customer_id": "C1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesFailed)
	assert.Equal(t, 1, res.RelationsCreated)
	require.Len(t, store.relations, 1)
	assert.Equal(t, existing.ID, store.relations[0].SourceEntityID)
}

func TestMaterialize_RegistryOnlySource(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)
	ctx := context.Background()

	_, err := m.Materialize(ctx, tenant, customerPlan(), rowset.Set{{"customer_id": "C1", "name": "Ann"}})
	require.NoError(t, err)
	ann := store.entities[0]

	payments := &ontology.Plan{
		Entities: []ontology.EntityMapping{{
			TypeName:         "Payment",
			Create:           true,
			LabelTemplate:    "{payment_id}",
			IdentifierColumn: "payment_id",
			Columns:          []ontology.ColumnMapping{{Column: "payment_id", Property: "payment_id"}},
		}},
		Relations: []ontology.RelationMapping{
			{RelationType: "PAID", SourceType: "Customer", TargetType: "Payment", SourceKeyColumn: "customer_id", TargetKeyColumn: "payment_id"},
			{RelationType: "OWES", SourceType: "Vendor", TargetType: "Payment", SourceKeyColumn: "vendor_id", TargetKeyColumn: "payment_id"},
		},
	}
	res, err := m.Materialize(ctx, tenant, payments, rowset.Set{
		{"payment_id": "X1", "customer_id": "C1", "vendor_id": "V1"},
		{"payment_id": "X2", "customer_id": "C404", "vendor_id": "V1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.RelationsCreated)
	assert.Equal(t, 1, res.RelationsSkipped)
	assert.Equal(t, []string{"PAID"}, res.RelationTypesCreated)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], `source type "Vendor" unavailable`)
	assert.Equal(t, ann.ID, store.relations[0].SourceEntityID)
}

func TestMaterialize_IgnoresPlanTypeID(t *testing.T) {
	store := newMemStore()
	reg := newFakeRegistry()
	m := newTestMaterializer(reg, store, nil, 1000)
	ctx := context.Background()

	_, err := m.Materialize(ctx, tenant, customerPlan(), rowset.Set{{"customer_id": "C1", "name": "Ann"}})
	require.NoError(t, err)
	registered := reg.entityTypes["Customer"].ID

	plan := customerPlan()
	plan.Entities[0].Create = false
	plan.Entities[0].NewType = nil
	plan.Entities[0].TypeID = "11111111-1111-1111-1111-111111111111"

	res, err := m.Materialize(ctx, tenant, plan, rowset.Set{{"customer_id": "C2", "name": "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesCreated)
	assert.Empty(t, res.EntityTypesCreated)
	assert.Equal(t, registered, plan.Entities[0].TypeID)
	for _, e := range store.entities {
		assert.Equal(t, registered, e.EntityTypeID)
	}
}

func TestMaterialize_BatchFailureIsIsolated(t *testing.T) {
	store := newMemStore()
	store.failEntityAt[2] = true
	m := newTestMaterializer(newFakeRegistry(), store, nil, 2)

	rows := rowset.Set{
		{"customer_id": "C1", "name": "a"},
		{"customer_id": "C2", "name": "b"},
		{"customer_id": "C3", "name": "c"},
		{"customer_id": "C4", "name": "d"},
		{"customer_id": "C5", "name": "e"},
	}
	res, err := m.Materialize(context.Background(), tenant, customerPlan(), rows)
	require.NoError(t, err)

	assert.Equal(t, 3, res.EntitiesCreated)
	assert.Equal(t, 2, res.EntitiesFailed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "entity batch 2-3")
	assert.Equal(t, []string{"a", "b", "e"}, store.labels("Customer"))
}

func TestMaterialize_TypeFailureDoesNotBlockOthers(t *testing.T) {
	store := newMemStore()
	reg := newFakeRegistry()
	reg.failEntity["Purchase"] = true
	m := newTestMaterializer(reg, store, nil, 1000)

	plan := purchasePlan()
	plan.Entities = append(plan.Entities, customerPlan().Entities[0])

	res, err := m.Materialize(context.Background(), tenant, plan, rowset.Set{
		{"purchase_id": "P1", "customer_id": "C1", "name": "Ann"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesCreated)
	assert.Equal(t, []string{"Customer"}, res.EntityTypesCreated)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, 0, res.RelationsCreated)
	assert.Empty(t, reg.relationTypes)
}

func TestMaterialize_UpsertByKeyMergesReimports(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)
	ctx := context.Background()

	plan := customerPlan()
	plan.Entities[0].UpsertByKey = true

	_, err := m.Materialize(ctx, tenant, plan, rowset.Set{
		{"customer_id": "C1", "name": "Ann"},
		{"customer_id": "C1", "name": "Annie"},
	})
	require.NoError(t, err)
	_, err = m.Materialize(ctx, tenant, plan, rowset.Set{{"customer_id": "C1", "name": "Ann B"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"Ann B"}, store.labels("Customer"))
}

func TestMaterialize_DuplicateTolerantByDefault(t *testing.T) {
	store := newMemStore()
	m := newTestMaterializer(newFakeRegistry(), store, nil, 1000)
	ctx := context.Background()

	rows := rowset.Set{{"customer_id": "C1", "name": "Ann"}}
	_, err := m.Materialize(ctx, tenant, customerPlan(), rows)
	require.NoError(t, err)
	_, err = m.Materialize(ctx, tenant, customerPlan(), rows)
	require.NoError(t, err)

	assert.Len(t, store.labels("Customer"), 2)
}

func TestMaterialize_ProjectsWrittenRows(t *testing.T) {
	proj := &recordingProjector{}
	m := newTestMaterializer(newFakeRegistry(), newMemStore(), proj, 1000)

	_, err := m.Materialize(context.Background(), tenant, customerPlan(), rowset.Set{{"customer_id": "C1", "name": "Ann"}})
	require.NoError(t, err)
	assert.Equal(t, 1, proj.entities)
}

func TestMaterialize_RejectsBadInput(t *testing.T) {
	m := newTestMaterializer(newFakeRegistry(), newMemStore(), nil, 1000)
	ctx := context.Background()

	_, err := m.Materialize(ctx, scope.Scope{}, customerPlan(), rowset.Set{{"a": 1}})
	assert.Error(t, err)
	_, err = m.Materialize(ctx, tenant, &ontology.Plan{}, rowset.Set{{"a": 1}})
	assert.Error(t, err)
	_, err = m.Materialize(ctx, tenant, customerPlan(), nil)
	assert.Error(t, err)
}

func TestProjectionRecords(t *testing.T) {
	store := "s1"
	e := &Entity{ID: uuid.New(), TenantID: "t1", StoreID: &store, TypeName: "Customer", Label: "Ann", Properties: map[string]any{"customer_id": "C1"}}
	r := &Relation{ID: uuid.New(), RelationTypeID: "rt", SourceEntityID: e.ID, TargetEntityID: uuid.New(), Weight: 0.75}

	nodes, edges := projectionRecords([]*Entity{e}, []*Relation{r}, e.CreatedAt)
	require.Len(t, nodes, 1)
	assert.Equal(t, `{"customer_id":"C1"}`, nodes[0]["properties_json"])
	assert.Equal(t, "s1", nodes[0]["store_id"])
	require.Len(t, edges, 1)
	assert.Equal(t, 0.75, edges[0]["weight"])
	assert.Equal(t, "", edges[0]["properties_json"])
}
