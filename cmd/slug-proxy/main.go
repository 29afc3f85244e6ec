package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"slug-proxy-go/internal/bootstrap"
	"slug-proxy-go/internal/client"
	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/handler"
	"slug-proxy-go/internal/htmlrewrite"
	"slug-proxy-go/internal/metrics"
	"slug-proxy-go/internal/middleware"
	"slug-proxy-go/internal/rewrite"
	"slug-proxy-go/internal/service"
	"slug-proxy-go/internal/slug"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("slug-proxy"),
		kong.Description("Serves a hosted Notion site under a custom domain with readable slugs."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newSlugTable,
			newPipeline,
			newDomainRewriter,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled so long streamed pages are not cut off;
	// the upstream client timeout bounds each request instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Server.Compress {
		e.Use(echomw.Gzip())
		logger.Info("response compression enabled")
	}

	return e
}

// newSlugTable builds the slug table and reports page ids whose inverse
// lookup is shadowed by a later slug.
func newSlugTable(cfg *config.Config, logger *slog.Logger) (*slug.Table, error) {
	entries := make([]slug.Entry, 0, len(cfg.Site.Slugs))
	for _, e := range cfg.Site.Slugs {
		entries = append(entries, slug.Entry{Slug: e.Slug, Page: e.Page})
	}

	table, err := slug.New(entries)
	if err != nil {
		return nil, fmt.Errorf("build slug table: %w", err)
	}

	for _, e := range table.Shadowed() {
		current, _ := table.Slug(e.Page)
		logger.Warn("page has several slugs; the last one is shown in the address bar",
			"page", e.Page,
			"shadowed_slug", e.Slug,
			"slug", current,
		)
	}
	logger.Info("slug table loaded", "slugs", table.Len())

	return table, nil
}

// newPipeline renders the injected markup once and builds the page rewriter.
func newPipeline(cfg *config.Config, table *slug.Table, m *metrics.Metrics) (*htmlrewrite.Pipeline, error) {
	markup, err := bootstrap.Render(bootstrap.Site{
		Domain:       cfg.Site.Domain,
		UpstreamHost: cfg.Upstream.Host,
		Fonts:        cfg.Site.GoogleFonts,
		Slugs:        table,
	})
	if err != nil {
		return nil, fmt.Errorf("render page markup: %w", err)
	}

	return htmlrewrite.New(markup.Head, markup.Body, func(p htmlrewrite.Point) {
		m.PageInjections.WithLabelValues(string(p)).Inc()
	}), nil
}

func newDomainRewriter(cfg *config.Config) *rewrite.DomainRewriter {
	return rewrite.NewDomainRewriter(cfg.Upstream.Host, cfg.Site.Domain)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"domain", cfg.Site.Domain,
				"upstream", cfg.Upstream.BaseURL,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
