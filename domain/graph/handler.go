package graph

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler serves read access to the materialized graph.
type Handler struct {
	store Store
}

// NewHandler creates a new graph handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// ListEntities handles GET /api/graph/entities?type=&limit=&offset=
func (h *Handler) ListEntities(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}

	f := EntityFilter{
		TypeName: c.QueryParam("type"),
		StoreID:  s.StoreID,
		Limit:    defaultPageSize,
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return apperror.ErrBadRequest.WithMessage("limit must be a positive integer")
		}
		f.Limit = min(n, maxPageSize)
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return apperror.ErrBadRequest.WithMessage("offset must be a non-negative integer")
		}
		f.Offset = n
	}

	entities, err := h.store.ListEntities(c.Request().Context(), s.TenantID, f)
	if err != nil {
		return err
	}
	if entities == nil {
		entities = []*Entity{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":  entities,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// GetEntity handles GET /api/graph/entities/:id
func (h *Handler) GetEntity(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid entity id")
	}

	e, err := h.store.GetEntity(c.Request().Context(), s.TenantID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// GetEntityRelations handles GET /api/graph/entities/:id/relations
func (h *Handler) GetEntityRelations(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid entity id")
	}

	rels, err := h.store.ListRelations(c.Request().Context(), s.TenantID, id)
	if err != nil {
		return err
	}
	if rels == nil {
		rels = []*Relation{}
	}
	return c.JSON(http.StatusOK, rels)
}
