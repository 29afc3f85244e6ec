// Package service implements the upstream forwarding logic for each
// request classification.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"slug-proxy-go/internal/client"
	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/model"
	"slug-proxy-go/internal/rewrite"
)

// ErrAssetTooLarge is returned when a script asset exceeds maxAssetBytes.
var ErrAssetTooLarge = errors.New("upstream asset too large to rewrite")

const (
	// publicPageDataPath is queried without the client's payload.
	publicPageDataPath = "/api/v3/getPublicPageData"
	apiContentType     = "application/json;charset=UTF-8"
	scriptContentType  = "application/x-javascript"

	// maxAssetBytes bounds the buffered body of a rewritten script.
	maxAssetBytes = 32 << 20
)

// assetRequestHeaders are forwarded when fetching script assets.
var assetRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"User-Agent",
	"If-None-Match",
	"If-Modified-Since",
}

// apiRequestHeaders are forwarded with API calls besides any Notion-* or
// X-Notion-* header.
var apiRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"User-Agent",
	"Cookie",
}

// pageResponseHeaders are removed from transformed pages so the injected
// script may run.
var pageResponseHeaders = []string{
	"Content-Security-Policy",
	"X-Content-Security-Policy",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	rewriter *rewrite.DomainRewriter
	logger   *slog.Logger
	baseURL  *url.URL
}

// NewProxyService creates a ProxyService. The base URL must point at the
// configured upstream host, since every request carries that host name.
func NewProxyService(c *client.UpstreamClient, rw *rewrite.DomainRewriter, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstream(u.Hostname(), cfg.Upstream.Host) {
		return nil, fmt.Errorf("upstream base_url host %q does not match upstream.host %q", u.Hostname(), cfg.Upstream.Host)
	}

	return newProxyService(c, rw, logger, u), nil
}

// NewProxyServiceForTest creates a ProxyService without host validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.UpstreamClient, rw *rewrite.DomainRewriter, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newProxyService(c, rw, logger, u), nil
}

func newProxyService(c *client.UpstreamClient, rw *rewrite.DomainRewriter, logger *slog.Logger, u *url.URL) *ProxyService {
	return &ProxyService{
		client:   c,
		rewriter: rw,
		logger:   logger.With("component", "proxy_service"),
		baseURL:  u,
	}
}

// allowedUpstream reports whether the dialed host may serve requests
// addressed to the canonical host.
func allowedUpstream(dialed, canonical string) bool {
	return strings.EqualFold(dialed, canonical)
}

// FetchAsset fetches a script asset and rewrites every upstream host name in
// it to the custom domain. The body is fully buffered.
func (s *ProxyService) FetchAsset(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	rc := &model.RewriteContext{
		Target: s.target(pr),
		Method: http.MethodGet,
		Header: filterHeaders(pr.Header, assetRequestHeaders, nil),
	}

	s.logger.Debug("fetching asset", "path", pr.Path)

	resp, err := s.client.Do(pr.Ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	if resp.Encoded() {
		s.logger.Warn("asset left unrewritten, unsupported content encoding",
			"path", pr.Path, "encoding", resp.Header.Get("Content-Encoding"))
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if len(body) > maxAssetBytes {
		return nil, ErrAssetTooLarge
	}

	rewritten := s.rewriter.Rewrite(string(body))

	resp.Header.Set("Content-Type", scriptContentType)
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	resp.Body = io.NopCloser(strings.NewReader(rewritten))
	return resp, nil
}

// ForwardAPI forwards an API call. The upstream always receives a JSON POST;
// the public page data endpoint is called with an empty body.
func (s *ProxyService) ForwardAPI(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := filterHeaders(pr.Header, apiRequestHeaders, []string{"notion-", "x-notion-"})
	header.Set("Content-Type", apiContentType)

	rc := &model.RewriteContext{
		Target:        s.target(pr),
		Method:        http.MethodPost,
		Header:        header,
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	}
	if strings.HasPrefix(pr.Path, publicPageDataPath) {
		rc.Body = http.NoBody
		rc.ContentLength = 0
	}

	s.logger.Debug("forwarding api call", "path", pr.Path)

	resp, err := s.client.Do(pr.Ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("forward api call: %w", err)
	}

	resp.Header.Set("Access-Control-Allow-Origin", "*")
	return resp, nil
}

// FetchPage forwards any other request as-is and strips the content
// security headers from the response. The body is returned unmodified.
func (s *ProxyService) FetchPage(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Accept-Encoding")

	rc := &model.RewriteContext{
		Target:        s.target(pr),
		Method:        pr.Method,
		Header:        header,
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	}

	s.logger.Debug("fetching page", "method", pr.Method, "path", pr.Path)

	resp, err := s.client.Do(pr.Ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	for _, h := range pageResponseHeaders {
		resp.Header.Del(h)
	}
	return resp, nil
}

// target resolves the upstream URL for pr, keeping its path and query.
func (s *ProxyService) target(pr *model.ProxyRequest) *url.URL {
	u := *s.baseURL
	u.Path = pr.Path
	u.RawPath = ""
	u.RawQuery = pr.RawQuery
	return &u
}

// filterHeaders copies the listed headers and any header whose lower-cased
// name starts with one of prefixes.
func filterHeaders(src http.Header, keys, prefixes []string) http.Header {
	dst := make(http.Header)
	for _, key := range keys {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	for key, vals := range src {
		lower := strings.ToLower(key)
		for _, p := range prefixes {
			if strings.HasPrefix(lower, p) {
				dst[http.CanonicalHeaderKey(key)] = vals
			}
		}
	}
	return dst
}
