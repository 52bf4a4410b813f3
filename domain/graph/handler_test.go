package graph

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

func newHandlerEcho(store Store) *echo.Echo {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	mw := auth.NewMiddleware(&config.Config{Auth: config.AuthConfig{Disabled: true}}, log)
	RegisterRoutes(e, NewHandler(store), mw)
	return e
}

func get(e *echo.Echo, path, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if tenant != "" {
		req.Header.Set(auth.HeaderTenantID, tenant)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func seededStore() (*memStore, *Entity, *Entity) {
	store := newMemStore()
	ann := &Entity{ID: uuid.New(), TenantID: "t1", TypeName: "Customer", Label: "Ann", Properties: map[string]any{"customer_id": "C1"}}
	shop := &Entity{ID: uuid.New(), TenantID: "t1", TypeName: "Store", Label: "Main St", Properties: map[string]any{}}
	other := &Entity{ID: uuid.New(), TenantID: "t2", TypeName: "Customer", Label: "Zed", Properties: map[string]any{}}
	store.entities = append(store.entities, ann, shop, other)
	store.relations = append(store.relations, &Relation{
		ID: uuid.New(), TenantID: "t1", RelationTypeID: "rt", SourceEntityID: ann.ID, TargetEntityID: shop.ID, Weight: 0.8,
	})
	return store, ann, shop
}

func TestHandler_ListEntities(t *testing.T) {
	store, _, _ := seededStore()
	e := newHandlerEcho(store)

	rec := get(e, "/api/graph/entities?type=Customer&limit=1000", "t1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items  []Entity `json:"items"`
		Limit  int      `json:"limit"`
		Offset int      `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Ann", body.Items[0].Label)
	assert.Equal(t, maxPageSize, body.Limit)
	assert.Equal(t, 0, body.Offset)
}

func TestHandler_ListEntitiesEmptyIsArray(t *testing.T) {
	e := newHandlerEcho(newMemStore())

	rec := get(e, "/api/graph/entities", "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	e := newHandlerEcho(newMemStore())

	tests := []struct {
		name   string
		path   string
		tenant string
		want   int
	}{
		{"missing tenant", "/api/graph/entities", "", http.StatusBadRequest},
		{"zero limit", "/api/graph/entities?limit=0", "t1", http.StatusBadRequest},
		{"negative offset", "/api/graph/entities?offset=-1", "t1", http.StatusBadRequest},
		{"bad entity id", "/api/graph/entities/not-a-uuid", "t1", http.StatusBadRequest},
		{"bad relations id", "/api/graph/entities/not-a-uuid/relations", "t1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(e, tt.path, tt.tenant).Code)
		})
	}
}

func TestHandler_GetEntityAndRelations(t *testing.T) {
	store, ann, shop := seededStore()
	e := newHandlerEcho(store)

	rec := get(e, "/api/graph/entities/"+ann.ID.String(), "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"label":"Ann"`)

	rec = get(e, "/api/graph/entities/"+shop.ID.String()+"/relations", "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	var rels []Relation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rels))
	require.Len(t, rels, 1)
	assert.Equal(t, ann.ID, rels[0].SourceEntityID)
	assert.Equal(t, 0.8, rels[0].Weight)

	// another tenant sees neither the entity nor its edges
	rec = get(e, "/api/graph/entities/"+shop.ID.String()+"/relations", "t2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
