package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"powerthrough/internal/headless"
	imetrics "powerthrough/internal/metrics"
	"powerthrough/internal/rewrite"
	"powerthrough/internal/urlvalidate"
)

const ProxyPrefix = rewrite.Prefix

// ProxyResult is the outcome of one Pipeline.Handle call. Exactly one of
// Body or Stream is set; Stream is non-nil only for passthrough responses
// that were never buffered and therefore never cached.
type ProxyResult struct {
	Status    int
	Headers   []HeaderPair
	Body      []byte
	Stream    io.ReadCloser
	FromCache bool
	Renderer  string
}

// Pipeline composes the URL Validator, Response Cache, Headless Renderer,
// Upstream Fetcher, and URL-rewriting transform into the single request
// flow the HTTP endpoint and the safezone multiplexer both call into.
type Pipeline struct {
	Cache           *Cache
	Fetcher         *Fetcher
	Renderer        headless.Renderer
	Metrics         *imetrics.Registry
	HeadlessEnabled bool
	HeadlessUA      string
}

// Handle runs the full pipeline for one request and records metrics on
// every exit path, per spec §4.8 step 6. It does not log.
func (p *Pipeline) Handle(ctx context.Context, rawTarget, method string, headers http.Header, body io.Reader, renderHint string) (*ProxyResult, error) {
	start := time.Now()
	method = strings.ToUpper(method)

	target, verr := urlvalidate.Validate(rawTarget)
	if verr != nil {
		kind := mapValidationKind(verr)
		p.Metrics.RecordRequest(method, kind.Status(), "", time.Since(start))
		return nil, kind
	}

	wantsHeadless := p.HeadlessEnabled && method == http.MethodGet && renderHint == "headless"
	if wantsHeadless && p.Renderer == nil {
		err := newError(KindHeadlessUnavailable, "Headless rendering is not available.", "")
		p.Metrics.RecordRequest(method, err.Status(), "", time.Since(start))
		return nil, err
	}

	variant := VariantDirect
	if wantsHeadless {
		variant = VariantHeadless
	}
	cacheable := method == http.MethodGet && p.Cache.Enabled()

	var cacheKey string
	if cacheable {
		cacheKey = CacheKey(variant, target.String())
		if entry, ok := p.Cache.Lookup(cacheKey); ok {
			result := &ProxyResult{
				Status:    entry.Status,
				Headers:   withCacheHeader(entry.Headers, "HIT"),
				Body:      entry.Body,
				FromCache: true,
				Renderer:  entry.Renderer,
			}
			p.Metrics.RecordRequest(method, result.Status, "HIT", time.Since(start))
			return result, nil
		}
	}

	if wantsHeadless {
		result, err := p.handleHeadless(ctx, target, cacheable, cacheKey)
		p.recordOutcome(method, result, err, start)
		return result, err
	}

	result, err := p.handleDirect(ctx, target, method, headers, body, cacheable, cacheKey)
	p.recordOutcome(method, result, err, start)
	return result, err
}

func (p *Pipeline) recordOutcome(method string, result *ProxyResult, err error, start time.Time) {
	cache := "MISS"
	status := http.StatusInternalServerError
	if err != nil {
		if perr, ok := err.(*Error); ok {
			status = perr.Status()
		}
	} else {
		status = result.Status
		if result.FromCache {
			cache = "HIT"
		}
	}
	if status >= 500 {
		p.Metrics.RecordUpstreamError()
	}
	p.Metrics.RecordRequest(method, status, cache, time.Since(start))
}

func (p *Pipeline) handleHeadless(ctx context.Context, target *url.URL, cacheable bool, cacheKey string) (*ProxyResult, error) {
	p.Metrics.HeadlessStart()
	html, ok, err := p.Renderer.Render(ctx, target.String(), p.HeadlessUA)
	if !ok {
		p.Metrics.HeadlessEnd(false)
		return nil, newError(KindHeadlessBusy, "Headless renderer is at capacity.", "")
	}
	if err != nil {
		p.Metrics.HeadlessEnd(true)
		return nil, newError(KindUpstreamUnavailable, "Headless render failed.", err.Error())
	}
	p.Metrics.HeadlessEnd(false)

	profile := rewrite.MatchProfile(target.Host)
	rewritten := rewrite.HTML(html, target, profile)

	respHeaders := http.Header{}
	respHeaders.Set("Content-Type", "text/html; charset=utf-8")
	respHeaders.Set("X-Frame-Options", "ALLOWALL")
	respHeaders.Set("X-Renderer", "headless")
	if profile != nil && profile.CSP != "" {
		respHeaders.Set("Content-Security-Policy", profile.CSP)
	}
	body := []byte(rewritten)
	recomputeContentLength(respHeaders, body)

	pairs := toHeaderPairs(respHeaders)
	if cacheable {
		p.Cache.Insert(cacheKey, CacheEntry{Status: http.StatusOK, Headers: pairs, Body: body, Renderer: "headless"})
	}
	return &ProxyResult{Status: http.StatusOK, Headers: pairs, Body: body, Renderer: "headless"}, nil
}

func (p *Pipeline) handleDirect(ctx context.Context, target *url.URL, method string, headers http.Header, body io.Reader, cacheable bool, cacheKey string) (*ProxyResult, error) {
	upstream, err := p.Fetcher.Fetch(ctx, target, method, headers, body)
	if err != nil {
		return nil, err
	}

	contentType := upstream.Headers.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"):
		defer upstream.Body.Close()
		raw, readErr := io.ReadAll(upstream.Body)
		if readErr != nil {
			return nil, newError(KindStreamRelayFailed, "Failed reading upstream body.", readErr.Error())
		}
		profile := rewrite.MatchProfile(target.Host)
		rewritten := rewrite.HTML(string(raw), target, profile)

		respHeaders := filterResponseHeaders(upstream.Headers)
		respHeaders.Set("Content-Type", "text/html; charset=utf-8")
		respHeaders.Set("X-Frame-Options", "ALLOWALL")
		if profile != nil && profile.CSP != "" {
			respHeaders.Set("Content-Security-Policy", profile.CSP)
		}
		bodyBytes := []byte(rewritten)
		recomputeContentLength(respHeaders, bodyBytes)
		pairs := toHeaderPairs(respHeaders)

		if cacheable && upstream.Status == http.StatusOK {
			p.Cache.Insert(cacheKey, CacheEntry{Status: upstream.Status, Headers: pairs, Body: bodyBytes, Renderer: "direct"})
		}
		return &ProxyResult{Status: upstream.Status, Headers: pairs, Body: bodyBytes, Renderer: "direct"}, nil

	case strings.Contains(contentType, "text/css"):
		defer upstream.Body.Close()
		raw, readErr := io.ReadAll(upstream.Body)
		if readErr != nil {
			return nil, newError(KindStreamRelayFailed, "Failed reading upstream body.", readErr.Error())
		}
		rewritten := rewrite.CSS(string(raw), target)

		respHeaders := filterResponseHeaders(upstream.Headers)
		bodyBytes := []byte(rewritten)
		recomputeContentLength(respHeaders, bodyBytes)
		pairs := toHeaderPairs(respHeaders)

		if cacheable && upstream.Status == http.StatusOK {
			p.Cache.Insert(cacheKey, CacheEntry{Status: upstream.Status, Headers: pairs, Body: bodyBytes, Renderer: "direct"})
		}
		return &ProxyResult{Status: upstream.Status, Headers: pairs, Body: bodyBytes, Renderer: "direct"}, nil

	default:
		respHeaders := filterResponseHeaders(upstream.Headers)
		return &ProxyResult{Status: upstream.Status, Headers: toHeaderPairs(respHeaders), Stream: upstream.Body, Renderer: "direct"}, nil
	}
}

func withCacheHeader(headers []HeaderPair, value string) []HeaderPair {
	out := make([]HeaderPair, 0, len(headers)+1)
	for _, h := range headers {
		if strings.EqualFold(h.Name, "X-Cache") {
			continue
		}
		out = append(out, h)
	}
	out = append(out, HeaderPair{Name: "X-Cache", Value: value})
	return out
}

func toHeaderPairs(h http.Header) []HeaderPair {
	out := make([]HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, HeaderPair{Name: name, Value: v})
		}
	}
	return out
}

func mapValidationKind(err error) *Error {
	ve, ok := err.(*urlvalidate.Error)
	if !ok {
		return newError(KindInvalidTarget, "Target URL could not be parsed.", err.Error())
	}
	switch ve.Kind {
	case urlvalidate.KindEmpty:
		return newError(KindMissingTarget, ve.Message, "")
	case urlvalidate.KindUnparseable:
		return newError(KindInvalidTarget, ve.Message, "")
	case urlvalidate.KindUnsupportedScheme:
		return newError(KindUnsupportedScheme, ve.Message, "")
	case urlvalidate.KindBlockedHost:
		return newError(KindBlockedHost, ve.Message, "")
	default:
		return newError(KindInvalidTarget, ve.Message, "")
	}
}
