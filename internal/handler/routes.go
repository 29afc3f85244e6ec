package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Local
// routes are registered first; everything else reaches the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		h := echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		e.GET(cfg.Metrics.Path, func(c echo.Context) error {
			c.Set(metrics.KindKey, "metrics")
			return h(c)
		})
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
