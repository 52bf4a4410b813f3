package facts

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

// Handler exposes the fact normalizer over HTTP.
type Handler struct {
	normalizer *Normalizer
}

// NewHandler creates a new facts handler.
func NewHandler(normalizer *Normalizer) *Handler {
	return &Handler{normalizer: normalizer}
}

type normalizeRequest struct {
	StoreID    string     `json:"store_id"`
	From       *time.Time `json:"from"`
	To         *time.Time `json:"to"`
	Transforms []string   `json:"transforms"`
}

// Normalize handles POST /api/facts/normalize. The tenant comes from the
// caller's scope; the store defaults to the scope's store.
func (h *Handler) Normalize(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	var req normalizeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return apperror.ErrBadRequest.WithMessage("to must not be before from")
	}
	if s.StoreID != "" && req.StoreID != "" && req.StoreID != s.StoreID {
		return apperror.ErrBadRequest.WithMessage("store_id is outside the caller's scope")
	}

	transforms, err := ParseTransforms(req.Transforms)
	if err != nil {
		return apperror.ErrBadRequest.WithMessage(err.Error())
	}

	f := Filter{TenantID: s.TenantID, StoreID: s.StoreID, From: req.From, To: req.To}
	if f.StoreID == "" {
		f.StoreID = req.StoreID
	}

	report := h.normalizer.Run(c.Request().Context(), f, transforms...)
	return c.JSON(http.StatusOK, report)
}
