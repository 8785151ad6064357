package proxy

import (
	"net/http"
	"strings"
)

// hopHeaders lists headers that are connection-scoped and must never be
// copied between a client and an upstream, in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// strippedResponseHeaders lists headers dropped unconditionally from every
// upstream response, beyond the hop-by-hop set, because they describe an
// origin policy the rewritten page must not inherit.
var strippedResponseHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"Set-Cookie",
}

func isHopHeader(name string) bool {
	_, ok := hopHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

// copyRequestHeaders copies src into dst, skipping hop-by-hop headers and
// Host (the caller sets Host explicitly from the resolved target).
func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// filterResponseHeaders builds the outbound header set from an upstream
// response: hop-by-hop and framing/CORS/CSP headers dropped, Set-Cookie
// re-added from its multi-value getter so every cookie survives.
func filterResponseHeaders(upstream http.Header) http.Header {
	out := make(http.Header, len(upstream))
	for k, vv := range upstream {
		if isHopHeader(k) {
			continue
		}
		dropped := false
		for _, stripped := range strippedResponseHeaders {
			if strings.EqualFold(k, stripped) {
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	for _, cookie := range upstream.Values("Set-Cookie") {
		out.Add("Set-Cookie", cookie)
	}
	return out
}
