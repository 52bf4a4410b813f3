package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/tabgraph/domain/scheduler"
	"github.com/emergent-company/tabgraph/internal/config"
	"github.com/emergent-company/tabgraph/internal/version"
	"github.com/emergent-company/tabgraph/pkg/oracle"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDisabled  = "disabled"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles health check requests.
type Handler struct {
	db        Pinger
	oracle    oracle.Oracle
	scheduler *scheduler.Scheduler
	cfg       *config.Config
	startAt   time.Time
}

// NewHandler creates a new health handler.
func NewHandler(pool *pgxpool.Pool, o oracle.Oracle, s *scheduler.Scheduler, cfg *config.Config) *Handler {
	return newHandler(pool, o, s, cfg)
}

func newHandler(db Pinger, o oracle.Oracle, s *scheduler.Scheduler, cfg *config.Config) *Handler {
	return &Handler{db: db, oracle: o, scheduler: s, cfg: cfg, startAt: time.Now()}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check is one component's status. Only the database decides overall health.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health reports database connectivity and the state of optional components.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	db := Check{Status: statusHealthy}
	if err := h.db.Ping(ctx); err != nil {
		db = Check{Status: statusUnhealthy, Message: err.Error()}
	}

	resp := HealthResponse{
		Status:    db.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).Round(time.Second).String(),
		Version:   version.Version,
		Checks: map[string]Check{
			"database":  db,
			"oracle":    {Status: statusHealthy, Message: h.oracle.Name()},
			"storage":   optional(h.cfg.Storage.Enabled()),
			"redis":     optional(h.cfg.Redis.Enabled()),
			"neo4j":     optional(h.cfg.Neo4j.Enabled()),
			"scheduler": optional(h.scheduler != nil && h.scheduler.IsRunning()),
		},
	}

	code := http.StatusOK
	if resp.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func optional(enabled bool) Check {
	if enabled {
		return Check{Status: statusHealthy}
	}
	return Check{Status: statusDisabled}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready is the readiness probe; it fails while the database is unreachable.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "database connection failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}

// Debug returns runtime and pool statistics outside production.
func (h *Handler) Debug(c echo.Context) error {
	if h.cfg.Environment == "production" {
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := map[string]any{
		"environment": h.cfg.Environment,
		"build":       version.Info(),
		"go_version":  runtime.Version(),
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_mb": mem.Alloc / 1024 / 1024,
			"sys_mb":   mem.Sys / 1024 / 1024,
			"num_gc":   mem.NumGC,
		},
	}
	if pool, ok := h.db.(*pgxpool.Pool); ok {
		st := pool.Stat()
		out["database"] = map[string]any{
			"pool_total":  st.TotalConns(),
			"pool_idle":   st.IdleConns(),
			"pool_in_use": st.AcquiredConns(),
			"max_conns":   st.MaxConns(),
		}
	}
	return c.JSON(http.StatusOK, out)
}

// SchedulerTasks lists the registered background tasks and their next runs.
func (h *Handler) SchedulerTasks(c echo.Context) error {
	tasks := []scheduler.TaskInfo{}
	if h.scheduler != nil {
		tasks = h.scheduler.Tasks()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"running": h.scheduler != nil && h.scheduler.IsRunning(),
		"tasks":   tasks,
	})
}
