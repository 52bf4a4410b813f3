package typeregistry

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/apperror"
	"github.com/emergent-company/tabgraph/pkg/auth"
)

// Handler handles HTTP requests for the ontology
type Handler struct {
	svc *Service
}

// NewHandler creates a new ontology handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListEntityTypes handles GET /api/ontology/entity-types
func (h *Handler) ListEntityTypes(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	types, err := h.svc.ListEntityTypes(c.Request().Context(), s.TenantID)
	if err != nil {
		return apperror.NewInternal("failed to list entity types", err)
	}
	return c.JSON(http.StatusOK, types)
}

// CreateEntityType handles POST /api/ontology/entity-types.
// An existing type of the same name is returned with 200 instead of 201.
func (h *Handler) CreateEntityType(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	var def EntityTypeSpec
	if err := c.Bind(&def); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if def.Name == "" {
		return apperror.NewBadRequest("name is required")
	}

	t, created, err := h.svc.EnsureEntityType(c.Request().Context(), s.TenantID, def)
	if err != nil {
		return err
	}
	if created {
		return c.JSON(http.StatusCreated, t)
	}
	return c.JSON(http.StatusOK, t)
}

// GetEntityType handles GET /api/ontology/entity-types/:name
func (h *Handler) GetEntityType(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	name := c.Param("name")
	t, err := h.svc.GetEntityType(c.Request().Context(), s.TenantID, name)
	if err != nil {
		return apperror.NewInternal("failed to get entity type", err)
	}
	if t == nil {
		return apperror.NewNotFound("Entity type", name)
	}
	return c.JSON(http.StatusOK, t)
}

// ListRelationTypes handles GET /api/ontology/relation-types
func (h *Handler) ListRelationTypes(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	types, err := h.svc.ListRelationTypes(c.Request().Context(), s.TenantID)
	if err != nil {
		return apperror.NewInternal("failed to list relation types", err)
	}
	return c.JSON(http.StatusOK, types)
}

// CreateRelationType handles POST /api/ontology/relation-types
func (h *Handler) CreateRelationType(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	var def RelationTypeSpec
	if err := c.Bind(&def); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	if def.Name == "" {
		return apperror.NewBadRequest("name is required")
	}

	t, created, err := h.svc.EnsureRelationType(c.Request().Context(), s.TenantID, def)
	if err != nil {
		return err
	}
	if created {
		return c.JSON(http.StatusCreated, t)
	}
	return c.JSON(http.StatusOK, t)
}

// GetSnapshot handles GET /api/ontology/snapshot
func (h *Handler) GetSnapshot(c echo.Context) error {
	s, err := auth.GetScope(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.Snapshot(c.Request().Context(), s.TenantID)
	if err != nil {
		return apperror.NewInternal("failed to load ontology", err)
	}
	return c.JSON(http.StatusOK, snap)
}
