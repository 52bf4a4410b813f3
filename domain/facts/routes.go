package facts

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/pkg/auth"
)

// RegisterRoutes registers the fact normalization routes.
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/facts")
	g.Use(authMiddleware.RequireTenant())

	g.POST("/normalize", h.Normalize)
}
