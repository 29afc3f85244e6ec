package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/metrics"
	"slug-proxy-go/internal/slug"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *slug.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, table *slug.Table, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	c.Set(metrics.KindKey, "health")
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	c.Set(metrics.KindKey, "health")
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"domain":       h.cfg.Site.Domain,
		"upstream_url": h.cfg.Upstream.BaseURL,
		"slugs":        h.table.Len(),
	})
}
