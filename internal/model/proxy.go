// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an inbound request to be forwarded upstream.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	Body          io.Reader
	ContentLength int64 // -1 when unknown
}

// RewriteContext is the resolved upstream request for one inbound request.
// Target always carries the upstream's canonical host.
type RewriteContext struct {
	Target        *url.URL
	Method        string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
// Body is already decoded; Content-Encoding and Content-Length are absent
// from Header when the client decoded it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Encoded reports whether Body still carries a content coding the client
// could not decode. Such bodies must be passed through untouched.
func (r *ProxyResponse) Encoded() bool {
	return r.Header.Get("Content-Encoding") != ""
}
