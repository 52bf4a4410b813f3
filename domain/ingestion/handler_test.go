package ingestion

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

func newTestServer(h *harness, maxBytes int64) *echo.Echo {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)
	cfg := &config.Config{
		Auth:      config.AuthConfig{Disabled: true},
		Ingestion: config.IngestionConfig{MaxUploadBytes: maxBytes},
	}
	RegisterRoutes(e, NewHandler(h.svc, cfg), auth.NewMiddleware(cfg, log))
	return e
}

func do(e *echo.Echo, req *http.Request, tenantID string) *httptest.ResponseRecorder {
	if tenantID != "" {
		req.Header.Set(auth.HeaderTenantID, tenantID)
		req.Header.Set(auth.HeaderStoreID, "s1")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_IngestJSON(t *testing.T) {
	h := newHarness()
	e := newTestServer(h, 0)

	rec := do(e, jsonRequest("/api/ingest",
		`{"rows":[{"customer_id":"C1","name":"Ann"},{"customer_id":"C2","name":"Bob"}],"domain_hint":"retail","upsert_by_key":true}`), "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Materialization struct {
			EntitiesCreated int `json:"entities_created"`
		} `json:"materialization"`
		InferenceEnqueued int `json:"inference_enqueued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Materialization.EntitiesCreated)
	assert.Equal(t, 2, body.InferenceEnqueued)
	assert.True(t, h.materializer.plan.Entities[0].UpsertByKey)
	assert.Equal(t, "t1", h.materializer.scope.TenantID)
	assert.Equal(t, "s1", h.materializer.scope.StoreID)
}

func TestHandler_IngestJSONWithPlan(t *testing.T) {
	h := newHarness()
	e := newTestServer(h, 0)

	rec := do(e, jsonRequest("/api/ingest",
		`{"rows":[{"sku":"P1"}],"plan":{"entities":[{"typeName":"Product","identifierColumn":"sku","columns":[{"column":"sku"}]}]}}`), "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Zero(t, h.mapper.calls)
	plan := h.materializer.plan
	assert.Equal(t, ontology.SourceRequest, plan.Source)
	assert.Equal(t, "{sku}", plan.Entities[0].LabelTemplate)
	assert.Equal(t, "sku", plan.Entities[0].Columns[0].Property)
}

func TestHandler_IngestRejects(t *testing.T) {
	e := newTestServer(newHarness(), 0)

	rec := do(e, jsonRequest("/api/ingest", `{"rows":[]}`), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, jsonRequest("/api/ingest", `{"rows":`), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, jsonRequest("/api/ingest", `{"rows":[{"a":"1"}]}`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_tenant")
}

func multipartRequest(t *testing.T, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile(name, name+".dat")
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/csv", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_IngestCSV(t *testing.T) {
	h := newHarness()
	e := newTestServer(h, 0)

	plan := `entities:
  - type: Customer
    identifier: customer_id
    label: "{name}"
    columns:
      - column: customer_id
      - column: name
`
	req := multipartRequest(t,
		map[string]string{"file": customersCSV, "plan": plan},
		map[string]string{"domain_hint": "retail", "skip_inference": "true"},
	)
	rec := do(e, req, "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Zero(t, h.mapper.calls)
	assert.Equal(t, ontology.SourceFile, h.materializer.plan.Source)
	assert.Empty(t, h.enqueuer.ids)
	assert.Len(t, h.objects.objects, 1)
	assert.Contains(t, rec.Body.String(), `"archive":{"key":"imports/t1/s1/2024/05/05/`)
}

func TestHandler_IngestCSVRejects(t *testing.T) {
	e := newTestServer(newHarness(), 10)

	rec := do(e, multipartRequest(t, map[string]string{"file": customersCSV}, nil), "t1")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	e = newTestServer(newHarness(), 0)
	rec = do(e, multipartRequest(t, nil, map[string]string{"domain_hint": "retail"}), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, multipartRequest(t, map[string]string{"file": customersCSV, "plan": "entities: ["}, nil), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_IngestObject(t *testing.T) {
	h := newHarness()
	key := "imports/t1/s1/2024/05/05/x-customers.csv"
	h.objects.objects[key] = customersCSV
	e := newTestServer(h, 0)

	rec := do(e, jsonRequest("/api/ingest/object", `{"key":"`+key+`"}`), "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, h.materializer.rows, 2)

	rec = do(e, jsonRequest("/api/ingest/object", `{}`), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, jsonRequest("/api/ingest/object", `{"key":"imports/t2/x.csv"}`), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Validate(t *testing.T) {
	h := newHarness()
	e := newTestServer(h, 0)

	rec := do(e, jsonRequest("/api/validate", `{"rows":[{"a":"1"}],"domain_hint":"retail"}`), "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"qualityScore":50`)
	assert.Zero(t, h.materializer.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/validate?domain_hint=retail&normalize=true", strings.NewReader(customersCSV))
	req.Header.Set(echo.HeaderContentType, "text/csv")
	rec = do(e, req, "t1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"rowCount":2`)
	require.Len(t, h.validator.calls, 2)
	assert.True(t, h.validator.calls[1].Normalize)

	rec = do(e, jsonRequest("/api/validate", `{"rows":[]}`), "t1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
