package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/internal/storage"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/scope"
)

type fakeValidator struct {
	calls []rowvalidator.Options
	err   error
}

func (f *fakeValidator) Validate(_ context.Context, rows rowset.Set, opts rowvalidator.Options) (*rowvalidator.Report, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}
	r := &rowvalidator.Report{
		DomainHint:   opts.DomainHint,
		Columns:      rows.Columns(),
		RowCount:     len(rows),
		QualityScore: rowvalidator.NeutralScore,
	}
	if opts.Normalize {
		r.Rows = make(rowset.Set, len(rows))
		for i, row := range rows {
			n := make(rowset.Row, len(row))
			for k, v := range row {
				if s, ok := v.(string); ok {
					v = strings.TrimSpace(s)
				}
				n[k] = v
			}
			r.Rows[i] = n
		}
	}
	return r, nil
}

type fakeMapper struct {
	plan  *ontology.Plan
	err   error
	calls int
	rows  rowset.Set
}

func (f *fakeMapper) Map(_ context.Context, _ string, rows rowset.Set, _ *rowvalidator.Report) (*ontology.Plan, error) {
	f.calls++
	f.rows = rows
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

type fakeMaterializer struct {
	scope scope.Scope
	plan  *ontology.Plan
	rows  rowset.Set
	calls int
}

func (f *fakeMaterializer) Materialize(_ context.Context, s scope.Scope, plan *ontology.Plan, rows rowset.Set) (*graph.Result, error) {
	f.calls++
	f.scope, f.plan, f.rows = s, plan, rows
	res := &graph.Result{
		ImportID:             uuid.New(),
		EntitiesCreated:      len(rows),
		EntityTypesCreated:   []string{},
		RelationTypesCreated: []string{},
		Errors:               []string{},
	}
	for range rows {
		res.EntityIDs = append(res.EntityIDs, uuid.New())
	}
	return res, nil
}

type fakeEnqueuer struct {
	tenant string
	ids    []uuid.UUID
	err    error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, tenantID string, ids []uuid.UUID) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.tenant = tenantID
	f.ids = append(f.ids, ids...)
	return len(ids), nil
}

type fakeObjects struct {
	enabled   bool
	objects   map[string]string
	uploadErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{enabled: true, objects: map[string]string{}}
}

func (f *fakeObjects) Enabled() bool { return f.enabled }

func (f *fakeObjects) Upload(_ context.Context, key string, data io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	f.objects[key] = string(b)
	return &storage.UploadResult{Key: key, Bucket: "imports", Size: size, ContentType: contentType}, nil
}

func (f *fakeObjects) Download(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, apperror.NewNotFound("object", key)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

var errBoom = errors.New("boom")

var tenant = scope.Scope{TenantID: "t1", StoreID: "s1"}

func customerPlan() *ontology.Plan {
	return &ontology.Plan{
		Source: ontology.SourceOracle,
		Entities: []ontology.EntityMapping{{
			Role:             "customer",
			TypeName:         "Customer",
			LabelTemplate:    "{name}",
			IdentifierColumn: "customer_id",
			Columns: []ontology.ColumnMapping{
				{Column: "customer_id", Property: "customer_id"},
				{Column: "name", Property: "name"},
			},
		}},
	}
}

func customerRows() rowset.Set {
	return rowset.Set{
		{"customer_id": "C1", "name": " Ann "},
		{"customer_id": "C2", "name": "Bob"},
	}
}

type harness struct {
	validator    *fakeValidator
	mapper       *fakeMapper
	materializer *fakeMaterializer
	enqueuer     *fakeEnqueuer
	objects      *fakeObjects
	svc          *Service
}

func newHarness() *harness {
	h := &harness{
		validator:    &fakeValidator{},
		mapper:       &fakeMapper{plan: customerPlan()},
		materializer: &fakeMaterializer{},
		enqueuer:     &fakeEnqueuer{},
		objects:      newFakeObjects(),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(h.validator, h.mapper, h.materializer, h.enqueuer, h.objects, log)
	h.svc.now = func() time.Time { return time.Date(2024, 5, 5, 10, 0, 0, 0, time.UTC) }
	return h
}
