package graph

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/auth"
)

// RegisterRoutes registers all graph routes.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/graph")
	g.Use(authMiddleware.RequireTenant())

	g.GET("/entities", h.ListEntities)
	g.GET("/entities/:id", h.GetEntity)
	g.GET("/entities/:id/relations", h.GetEntityRelations)
}
