package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"slug-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records request count,
// latency and in-flight requests, labelled by the classification the
// handler stored under metrics.KindKey.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(responseStatus(c, err)),
				metrics.NormalizeKind(c.Get(metrics.KindKey)),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())

			return err
		}
	}
}
