package typeregistry

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

func newTestEcho(svc *Service) *echo.Echo {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	mw := auth.NewMiddleware(&config.Config{Auth: config.AuthConfig{Disabled: true}}, log)
	RegisterRoutes(e, NewHandler(svc), mw)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.HeaderTenantID, "t1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateEntityTypeIsIdempotent(t *testing.T) {
	e := newTestEcho(newTestService(newMemStore(), nil))

	rec := do(e, http.MethodPost, "/api/ontology/entity-types", `{"name":"Customer"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodPost, "/api/ontology/entity-types", `{"name":"Customer"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/api/ontology/entity-types/Customer", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Customer"`)

	rec = do(e, http.MethodGet, "/api/ontology/entity-types/Nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_CreateRelationTypeRequiresName(t *testing.T) {
	e := newTestEcho(newTestService(newMemStore(), nil))

	rec := do(e, http.MethodPost, "/api/ontology/relation-types", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/ontology/relation-types", `{"name":"KNOWS"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodGet, "/api/ontology/snapshot", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"KNOWS"`)
}
