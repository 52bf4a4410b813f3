package inference

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

const maxRunBatch = 100

// Handler exposes the inference queue over HTTP.
type Handler struct {
	engine *Engine
	queue  Queue
}

// NewHandler creates a new inference handler.
func NewHandler(engine *Engine, queue Queue) *Handler {
	return &Handler{engine: engine, queue: queue}
}

type enqueueRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

// Enqueue handles POST /api/inference/enqueue
func (h *Handler) Enqueue(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.EntityIDs) == 0 {
		return apperror.ErrBadRequest.WithMessage("entity_ids is required")
	}

	ids := make([]uuid.UUID, 0, len(req.EntityIDs))
	for _, raw := range req.EntityIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid entity id: " + raw)
		}
		ids = append(ids, id)
	}

	n, err := h.engine.Enqueue(c.Request().Context(), s.TenantID, ids)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusAccepted, map[string]int{"enqueued": n})
}

type requeueRequest struct {
	IDs []string `json:"ids"`
}

// Requeue handles POST /api/inference/requeue. Without ids every failed item
// of the tenant is requeued.
func (h *Handler) Requeue(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	var req requeueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	for _, raw := range req.IDs {
		if _, err := uuid.Parse(raw); err != nil {
			return apperror.ErrBadRequest.WithMessage("invalid item id: " + raw)
		}
	}

	n, err := h.queue.Requeue(c.Request().Context(), s.TenantID, req.IDs)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

type runRequest struct {
	Limit int `json:"limit"`
}

// Run handles POST /api/inference/run: processes one batch synchronously.
func (h *Handler) Run(c echo.Context) error {
	if _, err := auth.GetScope(c); err != nil {
		return err
	}

	var req runRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.Limit < 0 {
		return apperror.ErrBadRequest.WithMessage("limit must not be negative")
	}

	res, err := h.engine.ProcessBatch(c.Request().Context(), min(req.Limit, maxRunBatch))
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Stats handles GET /api/inference/stats
func (h *Handler) Stats(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	stats, err := h.queue.Stats(c.Request().Context(), s.TenantID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, stats)
}
