package ingestion

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/auth"
)

// RegisterRoutes registers the ingestion routes.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/ingest")
	g.Use(authMiddleware.RequireTenant())
	g.POST("", h.Ingest)
	g.POST("/csv", h.IngestCSV)
	g.POST("/object", h.IngestObject)

	v := e.Group("/api/validate")
	v.Use(authMiddleware.RequireTenant())
	v.POST("", h.Validate)
}
