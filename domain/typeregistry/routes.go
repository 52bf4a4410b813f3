package typeregistry

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/auth"
)

// RegisterRoutes registers ontology routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/ontology")
	g.Use(authMiddleware.RequireTenant())

	g.GET("/entity-types", h.ListEntityTypes)
	g.POST("/entity-types", h.CreateEntityType)
	g.GET("/entity-types/:name", h.GetEntityType)

	g.GET("/relation-types", h.ListRelationTypes)
	g.POST("/relation-types", h.CreateRelationType)

	g.GET("/snapshot", h.GetSnapshot)
}
