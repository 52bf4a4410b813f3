package ingestion

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/domain/ontology"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
	"github.com/emergent-company/tabgraph/pkg/rowset"
)

// Handler exposes ingestion over HTTP.
type Handler struct {
	svc      *Service
	maxBytes int64
}

// NewHandler creates a new ingestion handler.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	return &Handler{svc: svc, maxBytes: cfg.Ingestion.MaxUploadBytes}
}

type optionsRequest struct {
	DomainHint    string         `json:"domain_hint"`
	Normalize     bool           `json:"normalize"`
	UpsertByKey   bool           `json:"upsert_by_key"`
	SkipInference bool           `json:"skip_inference"`
	Plan          *ontology.Plan `json:"plan"`
}

func (r optionsRequest) options() Options {
	if r.Plan != nil {
		r.Plan.Source = ontology.SourceRequest
		r.Plan.FillDefaults()
	}
	return Options{
		DomainHint:    r.DomainHint,
		Normalize:     r.Normalize,
		UpsertByKey:   r.UpsertByKey,
		SkipInference: r.SkipInference,
		Plan:          r.Plan,
	}
}

type ingestRequest struct {
	Rows rowset.Set `json:"rows"`
	optionsRequest
}

type objectRequest struct {
	Key string `json:"key"`
	optionsRequest
}

// Ingest handles POST /api/ingest with JSON rows.
func (h *Handler) Ingest(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.Rows) == 0 {
		return apperror.ErrEmptyInput
	}

	res, err := h.svc.Ingest(c.Request().Context(), s, req.Rows, req.options())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// IngestCSV handles POST /api/ingest/csv. The multipart form carries the
// CSV as "file" and optionally a YAML mapping plan as "plan".
func (h *Handler) IngestCSV(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("file")
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("file required in multipart form")
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		return apperror.New(http.StatusRequestEntityTooLarge, "file_too_large",
			"file exceeds the "+strconv.FormatInt(h.maxBytes, 10)+" byte limit")
	}

	src, err := file.Open()
	if err != nil {
		return apperror.ErrInternal.WithMessage("failed to read uploaded file")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return apperror.ErrInternal.WithMessage("failed to read uploaded file")
	}

	opts := Options{
		DomainHint:    c.FormValue("domain_hint"),
		Normalize:     formBool(c, "normalize"),
		UpsertByKey:   formBool(c, "upsert_by_key"),
		SkipInference: formBool(c, "skip_inference"),
	}
	if planFile, err := c.FormFile("plan"); err == nil {
		pf, err := planFile.Open()
		if err != nil {
			return apperror.ErrInternal.WithMessage("failed to read mapping plan")
		}
		defer pf.Close()
		plan, err := ontology.LoadPlan(pf)
		if err != nil {
			return apperror.NewBadRequest(err.Error())
		}
		opts.Plan = plan
	}

	res, err := h.svc.IngestCSV(c.Request().Context(), s, file.Filename, data, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// IngestObject handles POST /api/ingest/object for a previously archived CSV.
func (h *Handler) IngestObject(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	var req objectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.Key == "" {
		return apperror.ErrBadRequest.WithMessage("key is required")
	}

	res, err := h.svc.IngestObject(c.Request().Context(), s, req.Key, req.options())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Validate handles POST /api/validate. Accepts JSON rows or a CSV body.
func (h *Handler) Validate(c echo.Context) error {
	if _, err := auth.GetScope(c); err != nil {
		return err
	}

	var rows rowset.Set
	opts := Options{}
	if c.Request().Header.Get(echo.HeaderContentType) == "text/csv" {
		var err error
		rows, _, err = rowset.ParseCSV(io.LimitReader(c.Request().Body, h.limit()))
		if err != nil {
			return apperror.NewBadRequest(err.Error())
		}
		opts.DomainHint = c.QueryParam("domain_hint")
		opts.Normalize = c.QueryParam("normalize") == "true"
	} else {
		var req ingestRequest
		if err := c.Bind(&req); err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid request body")
		}
		rows = req.Rows
		opts = req.options()
	}
	if len(rows) == 0 {
		return apperror.ErrEmptyInput
	}

	report, err := h.svc.Validate(c.Request().Context(), rows, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) limit() int64 {
	if h.maxBytes > 0 {
		return h.maxBytes
	}
	return 50 << 20
}

func formBool(c echo.Context, name string) bool {
	v, _ := strconv.ParseBool(c.FormValue(name))
	return v
}
