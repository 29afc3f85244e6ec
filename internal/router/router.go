// Package router classifies inbound requests into the proxy's handling modes.
package router

import (
	"net/http"
	"strings"

	"slug-proxy-go/internal/slug"
)

// Kind is the handling mode chosen for a request.
type Kind int

const (
	// PageTransform proxies the request and rewrites the HTML response.
	PageTransform Kind = iota
	// Preflight answers OPTIONS requests locally.
	Preflight
	// AssetRewrite fetches a script asset and rewrites upstream host names.
	AssetRewrite
	// APIForward forwards the request to the upstream API.
	APIForward
	// SlugRedirect redirects a known slug to its page id.
	SlugRedirect
)

func (k Kind) String() string {
	switch k {
	case Preflight:
		return "preflight"
	case AssetRewrite:
		return "asset"
	case APIForward:
		return "api"
	case SlugRedirect:
		return "slug"
	default:
		return "page"
	}
}

const (
	appPrefix = "/app"
	apiPrefix = "/api"
)

// scriptExtensions mark paths under /app whose bodies are rewritten.
var scriptExtensions = []string{".js", ".mjs"}

// Decision is the outcome of Classify.
type Decision struct {
	Kind Kind
	// Slug and Page are set for SlugRedirect.
	Slug string
	Page string
}

// Classify decides how a request is handled. It is a pure function of its
// arguments; rules are checked in priority order.
func Classify(method, path string, table *slug.Table) Decision {
	if method == http.MethodOptions {
		return Decision{Kind: Preflight}
	}

	if kind, ok := Claims(path); ok {
		return Decision{Kind: kind}
	}

	s := strings.TrimPrefix(path, "/")
	if page, ok := table.Page(s); ok {
		return Decision{Kind: SlugRedirect, Slug: s, Page: page}
	}

	return Decision{Kind: PageTransform}
}

// Claims reports whether path is routed by prefix before any slug lookup,
// and to which kind. A slug whose path is claimed never redirects.
func Claims(path string) (Kind, bool) {
	if strings.HasPrefix(path, appPrefix) && isScript(path) {
		return AssetRewrite, true
	}
	if strings.HasPrefix(path, apiPrefix) {
		return APIForward, true
	}
	return PageTransform, false
}

func isScript(path string) bool {
	for _, ext := range scriptExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
