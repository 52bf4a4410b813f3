package inference

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/auth"
)

// RegisterRoutes registers the inference queue routes.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/inference")
	g.Use(authMiddleware.RequireTenant())

	g.POST("/enqueue", h.Enqueue)
	g.POST("/requeue", h.Requeue)
	g.POST("/run", h.Run)
	g.GET("/stats", h.Stats)
}
