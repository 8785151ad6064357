// Package rewrite maps absolute and relative URLs found inside proxied
// HTML and CSS back into proxy-local URLs, and applies per-host content
// patches.
package rewrite

import (
	"net/url"
	"strings"
)

// Prefix is the path every rewritten reference is routed back through.
const Prefix = "/powerthrough"

// pseudoSchemes are left untouched wherever they appear in a rewritable
// attribute.
var pseudoSchemes = []string{"mailto:", "tel:", "javascript:"}

// BuildProxyURL returns the proxy-local URL for an already-resolved
// absolute target, e.g. "/powerthrough?url=https%3A%2F%2Fexample.com%2Ffoo".
func BuildProxyURL(resolved *url.URL) string {
	return Prefix + "?url=" + url.QueryEscape(resolved.String())
}

// resolveValue applies the per-attribute skip rules from the spec and returns
// the rewritten value, or the original value unchanged when a rule says to
// skip it.
func resolveValue(raw string, base *url.URL) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw, false
	}
	if strings.HasPrefix(trimmed, Prefix) {
		return raw, false
	}
	if strings.HasPrefix(trimmed, "#") {
		return raw, false
	}
	lower := strings.ToLower(trimmed)
	for _, scheme := range pseudoSchemes {
		if strings.HasPrefix(lower, scheme) {
			return raw, false
		}
	}
	resolved, err := base.Parse(raw)
	if err != nil {
		return raw, false
	}
	return BuildProxyURL(resolved), true
}
