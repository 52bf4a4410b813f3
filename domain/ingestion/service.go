package ingestion

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/tabgraph/domain/graph"
	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/domain/rowvalidator"
	"github.com/emergent-company/tabgraph/internal/storage"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/logger"
	"github.com/emergent-company/tabgraph/pkg/rowset"
	"github.com/emergent-company/tabgraph/pkg/scope"
	"github.com/emergent-company/tabgraph/pkg/tracing"
)

var ingestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tabgraph_ingest_runs_total",
	Help: "Ingestion runs by plan source.",
}, []string{"plan_source"})

// Validator inspects row sets.
type Validator interface {
	Validate(ctx context.Context, rows rowset.Set, opts rowvalidator.Options) (*rowvalidator.Report, error)
}

// Mapper proposes mapping plans.
type Mapper interface {
	Map(ctx context.Context, tenantID string, rows rowset.Set, report *rowvalidator.Report) (*ontology.Plan, error)
}

// Materializer writes a plan's entities and relations.
type Materializer interface {
	Materialize(ctx context.Context, s scope.Scope, plan *ontology.Plan, rows rowset.Set) (*graph.Result, error)
}

// Enqueuer hands written entities to relation inference.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, ids []uuid.UUID) (int, error)
}

// ObjectStore archives and fetches uploaded files.
type ObjectStore interface {
	Enabled() bool
	Upload(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*storage.UploadResult, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Options controls one ingestion run.
type Options struct {
	DomainHint string
	Normalize  bool
	// UpsertByKey switches every entity mapping to natural-key upserts.
	UpsertByKey bool
	// SkipInference leaves written entities out of the inference queue.
	SkipInference bool
	// Plan replaces the oracle-proposed mapping plan.
	Plan *ontology.Plan
}

// Result reports one ingestion run.
type Result struct {
	Validation        *rowvalidator.Report  `json:"validation"`
	Plan              *ontology.Plan        `json:"plan"`
	Materialization   *graph.Result         `json:"materialization"`
	InferenceEnqueued int                   `json:"inference_enqueued"`
	Archive           *storage.UploadResult `json:"archive,omitempty"`
	Errors            []string              `json:"errors"`
	DurationMs        int64                 `json:"duration_ms"`
}

// Service runs validate, map, materialize and enqueue over one row set.
type Service struct {
	validator    Validator
	mapper       Mapper
	materializer Materializer
	enqueuer     Enqueuer
	objects      ObjectStore
	now          func() time.Time
	log          *slog.Logger
}

// NewService creates an ingestion service.
func NewService(v Validator, m Mapper, mat Materializer, enq Enqueuer, objects ObjectStore, log *slog.Logger) *Service {
	return &Service{
		validator:    v,
		mapper:       m,
		materializer: mat,
		enqueuer:     enq,
		objects:      objects,
		now:          time.Now,
		log:          log.With(logger.Scope("ingestion")),
	}
}

// Validate runs the row validator alone.
func (s *Service) Validate(ctx context.Context, rows rowset.Set, opts Options) (*rowvalidator.Report, error) {
	return s.validator.Validate(ctx, rows, rowvalidator.Options{DomainHint: opts.DomainHint, Normalize: opts.Normalize})
}

// Ingest turns rows into graph entities and relations for sc. Missing scope,
// empty rows and invalid supplied plans fail the run; everything after
// mapping is reported through the result.
func (s *Service) Ingest(ctx context.Context, sc scope.Scope, rows rowset.Set, opts Options) (*Result, error) {
	if !sc.Valid() {
		return nil, apperror.ErrMissingScope
	}
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}
	if opts.Plan != nil {
		if err := opts.Plan.Validate(); err != nil {
			return nil, apperror.NewBadRequest(err.Error())
		}
	}

	ctx, span := tracing.Start(ctx, "ingestion.ingest",
		attribute.String("tenant_id", sc.TenantID),
		attribute.String("domain_hint", opts.DomainHint),
		attribute.Int("rows", len(rows)),
	)
	defer span.End()

	start := s.now()
	report, err := s.Validate(ctx, rows, opts)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	working := rows
	if opts.Normalize && report.Rows != nil {
		working = report.Rows
	}

	plan := opts.Plan
	if plan == nil {
		plan, err = s.mapper.Map(ctx, sc.TenantID, working, report)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}
	if opts.UpsertByKey {
		for i := range plan.Entities {
			plan.Entities[i].UpsertByKey = true
		}
	}

	mat, err := s.materializer.Materialize(ctx, sc, plan, working)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	res := &Result{
		Validation:      report,
		Plan:            plan,
		Materialization: mat,
		Errors:          []string{},
	}

	if !opts.SkipInference && len(mat.EntityIDs) > 0 {
		n, err := s.enqueuer.Enqueue(ctx, sc.TenantID, mat.EntityIDs)
		if err != nil {
			s.log.Warn("inference enqueue failed",
				slog.String("tenant_id", sc.TenantID),
				slog.Int("entities", len(mat.EntityIDs)),
				logger.Error(err),
			)
			res.Errors = append(res.Errors, "inference enqueue: "+err.Error())
		}
		res.InferenceEnqueued = n
	}

	res.DurationMs = s.now().Sub(start).Milliseconds()
	ingestRuns.WithLabelValues(plan.Source).Inc()
	s.log.Info("ingestion complete",
		slog.String("tenant_id", sc.TenantID),
		slog.String("import_id", mat.ImportID.String()),
		slog.String("plan_source", plan.Source),
		slog.Int("rows", len(rows)),
		slog.Int("entities_created", mat.EntitiesCreated),
		slog.Int("relations_created", mat.RelationsCreated),
		slog.Int("inference_enqueued", res.InferenceEnqueued),
	)
	return res, nil
}

// IngestCSV parses a CSV file, archives it when storage is configured and
// ingests its rows. Archive failures are reported, not fatal.
func (s *Service) IngestCSV(ctx context.Context, sc scope.Scope, filename string, data []byte, opts Options) (*Result, error) {
	rows, err := parseCSV(data)
	if err != nil {
		return nil, err
	}

	var archive *storage.UploadResult
	var archiveErr error
	if s.objects != nil && s.objects.Enabled() && sc.Valid() {
		key := storage.ImportKey(sc, filename, s.now())
		archive, archiveErr = s.objects.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), "text/csv")
	}

	res, err := s.Ingest(ctx, sc, rows, opts)
	if err != nil {
		return nil, err
	}
	res.Archive = archive
	if archiveErr != nil {
		res.Errors = append(res.Errors, "archive: "+archiveErr.Error())
	}
	return res, nil
}

// IngestObject ingests a CSV previously archived under key. Keys outside
// the tenant's import prefix are rejected.
func (s *Service) IngestObject(ctx context.Context, sc scope.Scope, key string, opts Options) (*Result, error) {
	if !sc.Valid() {
		return nil, apperror.ErrMissingScope
	}
	if s.objects == nil || !s.objects.Enabled() {
		return nil, apperror.ErrStorageDisabled
	}
	if !storage.OwnedBy(key, sc.TenantID) {
		return nil, apperror.NewBadRequest("object key is outside the tenant's import prefix")
	}

	rc, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperror.NewInternal("read stored object", err)
	}
	rows, err := parseCSV(data)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, sc, rows, opts)
}

func parseCSV(data []byte) (rowset.Set, error) {
	rows, _, err := rowset.ParseCSV(bytes.NewReader(data))
	if err != nil {
		return nil, apperror.NewBadRequest(err.Error())
	}
	if len(rows) == 0 {
		return nil, apperror.ErrEmptyInput
	}
	return rows, nil
}
