// Package rewrite substitutes the upstream host with the custom domain in
// script assets.
package rewrite

import (
	"strings"
)

// DomainRewriter replaces upstream host names in a fully buffered body.
type DomainRewriter struct {
	replacer *strings.Replacer
}

// NewDomainRewriter returns a rewriter that maps upstreamHost, and its bare
// form when upstreamHost starts with "www.", to domain.
func NewDomainRewriter(upstreamHost, domain string) *DomainRewriter {
	// strings.Replacer tries the old strings in argument order at each
	// position, so the www. form must come first.
	pairs := []string{upstreamHost, domain}
	if bare, ok := strings.CutPrefix(upstreamHost, "www."); ok && bare != "" {
		pairs = append(pairs, bare, domain)
	}
	return &DomainRewriter{replacer: strings.NewReplacer(pairs...)}
}

// Rewrite returns body with every upstream host occurrence replaced.
func (r *DomainRewriter) Rewrite(body string) string {
	return r.replacer.Replace(body)
}
