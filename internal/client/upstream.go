// Package client provides the HTTP client for the upstream content service.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"slug-proxy-go/internal/config"
	"slug-proxy-go/internal/metrics"
	"slug-proxy-go/internal/model"
)

// acceptEncoding lists the encodings the client can decode. Bodies are
// always decoded so scripts and pages can be rewritten as text.
const acceptEncoding = "br, gzip, deflate"

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamClient sends requests to the upstream content service.
type UpstreamClient struct {
	httpClient *http.Client
	host       string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Upstream redirects are passed through to the browser.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		host:    cfg.Upstream.Host,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do executes the resolved request against the upstream and returns the
// response with a decoded body. The caller is responsible for closing the
// response body. ctx controls the lifetime of the upstream request: when the
// client disconnects, the upstream request is canceled too.
func (c *UpstreamClient) Do(ctx context.Context, rc *model.RewriteContext) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, rc.Method, rc.Target.String(), rc.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if rc.Header != nil {
		req.Header = rc.Header.Clone()
	}
	if rc.ContentLength > 0 {
		req.ContentLength = rc.ContentLength
	}
	removeHopHeaders(req.Header)
	req.Host = c.host
	req.Header.Set("Accept-Encoding", acceptEncoding)

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	removeHopHeaders(resp.Header)
	body, err := c.decode(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// decode wraps the response body in a decoder for its Content-Encoding and
// removes the headers that described the encoded form. Unknown encodings are
// passed through untouched.
func (c *UpstreamClient) decode(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var r io.Reader
	var closer io.Closer
	switch encoding {
	case "", "identity":
		resp.Header.Del("Content-Encoding")
		return resp.Body, nil
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip: %w", err)
		}
		r, closer = zr, zr
	case "deflate":
		dr, err := newDeflateReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode deflate: %w", err)
		}
		r, closer = dr, dr
	default:
		c.logger.Debug("passing through unsupported content encoding", "encoding", encoding)
		return resp.Body, nil
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return &decodedBody{Reader: r, decoder: closer, body: resp.Body}, nil
}

// decodedBody reads through a decoder and closes both it and the wire body.
type decodedBody struct {
	io.Reader
	decoder io.Closer
	body    io.ReadCloser
}

func (d *decodedBody) Close() error {
	var errs []error
	if d.decoder != nil {
		errs = append(errs, d.decoder.Close())
	}
	errs = append(errs, d.body.Close())
	return errors.Join(errs...)
}

// newDeflateReader decodes a "deflate" body. The header should carry a zlib
// stream, but raw flate is common enough that it is accepted as well.
func newDeflateReader(body io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(body)
	hdr, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// removeHopHeaders deletes hop-by-hop headers, including any listed in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
