// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"slug-proxy-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request once with
// slog, after the handler has finished streaming.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req, res := c.Request(), c.Response()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("kind", metrics.NormalizeKind(c.Get(metrics.KindKey))),
				slog.Int("status", responseStatus(c, err)),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", res.Size),
			}
			level := slog.LevelInfo
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				level = slog.LevelWarn
			}
			logger.LogAttrs(req.Context(), level, "request", attrs...)

			return err
		}
	}
}

// responseStatus returns the status the client receives. An *echo.HTTPError
// has not been written yet when the middleware sees it; Echo's central error
// handler writes it later, so its code wins over the response's.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	return c.Response().Status
}
