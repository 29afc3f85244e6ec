package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/htmlrewrite"
	"slug-proxy-go/internal/metrics"
	"slug-proxy-go/internal/model"
	"slug-proxy-go/internal/router"
	"slug-proxy-go/internal/service"
	"slug-proxy-go/internal/slug"
)

// allowedMethods is advertised in OPTIONS responses.
const allowedMethods = "GET, HEAD, POST, PUT, OPTIONS"

// ProxyHandler classifies every request and serves it through the matching
// upstream path.
type ProxyHandler struct {
	service  *service.ProxyService
	table    *slug.Table
	pipeline *htmlrewrite.Pipeline
	domain   string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(
	svc *service.ProxyService,
	table *slug.Table,
	pipeline *htmlrewrite.Pipeline,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		table:    table,
		pipeline: pipeline,
		domain:   cfg.Site.Domain,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle serves any method on any path not claimed by a local route.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	d := router.Classify(req.Method, req.URL.Path, h.table)
	c.Set(metrics.KindKey, d.Kind.String())

	switch d.Kind {
	case router.Preflight:
		return h.options(c)
	case router.SlugRedirect:
		return h.redirect(c, d)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	var (
		resp *model.ProxyResponse
		err  error
	)
	switch d.Kind {
	case router.AssetRewrite:
		resp, err = h.service.FetchAsset(pr)
	case router.APIForward:
		resp, err = h.service.ForwardAPI(pr)
	default:
		resp, err = h.service.FetchPage(pr)
	}
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if d.Kind == router.PageTransform && isHTML(resp.Header) && !resp.Encoded() {
		return h.writePage(c, resp)
	}
	return h.write(c, resp)
}

// options answers a CORS preflight when the three preflight headers are
// present and a plain allow response otherwise.
func (h *ProxyHandler) options(c echo.Context) error {
	req := c.Request().Header
	res := c.Response().Header()

	if req.Get(echo.HeaderOrigin) != "" &&
		req.Get(echo.HeaderAccessControlRequestMethod) != "" &&
		req.Get(echo.HeaderAccessControlRequestHeaders) != "" {
		res.Set(echo.HeaderAccessControlAllowOrigin, "*")
		res.Set(echo.HeaderAccessControlAllowMethods, allowedMethods)
		res.Set(echo.HeaderAccessControlAllowHeaders, echo.HeaderContentType)
	} else {
		res.Set(echo.HeaderAllow, allowedMethods)
	}
	return c.NoContent(http.StatusOK)
}

// redirect sends a known slug to its page id on the custom domain.
func (h *ProxyHandler) redirect(c echo.Context, d router.Decision) error {
	if h.metrics != nil {
		h.metrics.Redirects.WithLabelValues("/" + d.Slug).Inc()
	}
	return c.Redirect(http.StatusMovedPermanently, "https://"+h.domain+"/"+d.Page)
}

// write streams resp to the client unchanged.
func (h *ProxyHandler) write(c echo.Context, resp *model.ProxyResponse) error {
	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the response,
	// so it is logged rather than returned.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// writePage streams resp through the HTML pipeline.
func (h *ProxyHandler) writePage(c echo.Context, resp *model.ProxyResponse) error {
	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().Header().Del(echo.HeaderContentLength)
	c.Response().WriteHeader(resp.StatusCode)

	if err := h.pipeline.Transform(c.Response(), resp.Body); err != nil {
		h.logger.Error("transforming page",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrAssetTooLarge) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream asset too large",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// copyHeaders replaces each header in dst with the upstream values.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
}

// isHTML reports whether the response declares an HTML body.
func isHTML(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get(echo.HeaderContentType))
	return err == nil && mt == "text/html"
}
