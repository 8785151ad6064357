package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UpstreamResponse is the lazy, unbuffered result of a Fetcher.Fetch call.
// Body must be closed by the caller once consumed.
type UpstreamResponse struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// Fetcher issues outbound HTTP requests to resolved targets with header
// adaptation per the Response Header Filter's upstream-facing half.
type Fetcher struct {
	client      *http.Client
	fallbackUA  string
}

// NewFetcher builds a Fetcher whose transport mirrors the teacher's
// connection-reuse settings (30s dial/keepalive, HTTP/2 attempted, a
// 100-connection idle pool) rather than the zero-value transport.
func NewFetcher(fallbackUA string) *Fetcher {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			// Surface 3xx as-is so the client follows the rewritten Location.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		fallbackUA: fallbackUA,
	}
}

// Fetch dispatches method against target, with headers adapted per the
// spec's Upstream Fetcher rules: hop-by-hop and Host stripped from the
// client's headers, accept-encoding forced to identity, host/origin/referer
// set from target, and a fallback User-Agent applied when absent.
func (f *Fetcher) Fetch(ctx context.Context, target *url.URL, method string, headers http.Header, body io.Reader) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "could not build upstream request", err.Error())
	}

	copyRequestHeaders(req.Header, headers)
	req.Header.Set("Accept-Encoding", "identity")
	req.Host = target.Host
	req.Header.Set("Origin", target.Scheme+"://"+target.Host)
	req.Header.Set("Referer", target.String())
	if req.Header.Get("User-Agent") == "" && f.fallbackUA != "" {
		req.Header.Set("User-Agent", f.fallbackUA)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "upstream request failed", err.Error())
	}

	return &UpstreamResponse{Status: resp.StatusCode, Headers: resp.Header, Body: resp.Body}, nil
}

// recomputeContentLength returns headers with Content-Length set to the
// exact length of body, per the design note that content-length is
// recomputed uniformly whenever a body is re-materialized.
func recomputeContentLength(headers http.Header, body []byte) http.Header {
	headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return headers
}
