package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	imetrics "powerthrough/internal/metrics"
)

func newTestPipeline(ttl time.Duration) *Pipeline {
	return &Pipeline{
		Cache:   NewCache(ttl, 0, 0),
		Fetcher: NewFetcher("test-agent"),
		Metrics: imetrics.NewRegistry(),
	}
}

// routeTo makes p's fetcher dial up for every target host. The URL validator
// rejects loopback hosts such as httptest's 127.0.0.1, so tests address the
// upstream by a public-looking name and let the dialer send it to up.
func routeTo(p *Pipeline, up *httptest.Server) {
	addr := up.Listener.Addr().String()
	p.Fetcher.client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func TestPipeline_RewritesHTMLAndStripsFrameOptions(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Write([]byte(`<a href="/foo">X</a>`))
	}))
	defer up.Close()

	p := newTestPipeline(time.Minute)
	routeTo(p, up)
	result, err := p.Handle(context.Background(), "http://upstream.test/p", http.MethodGet, http.Header{}, nil, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	body := string(result.Body)
	if !strings.Contains(body, `href="/powerthrough?url=`) {
		t.Fatalf("body missing rewritten href: %q", body)
	}
	for _, h := range result.Headers {
		if strings.EqualFold(h.Name, "X-Frame-Options") && strings.EqualFold(h.Value, "DENY") {
			t.Fatalf("expected X-Frame-Options: DENY to be stripped")
		}
	}
}

func TestPipeline_RewritesCSS(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`body{background:url('/bg.png')}`))
	}))
	defer up.Close()

	p := newTestPipeline(time.Minute)
	routeTo(p, up)
	result, err := p.Handle(context.Background(), "http://upstream.test/s.css", http.MethodGet, http.Header{}, nil, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	body := string(result.Body)
	if !strings.Contains(body, "/powerthrough?url=") {
		t.Fatalf("expected rewritten url() token, got %q", body)
	}
}

func TestPipeline_BlockedHostReturns403(t *testing.T) {
	p := newTestPipeline(time.Minute)
	_, err := p.Handle(context.Background(), "http://127.0.0.1/", http.MethodGet, http.Header{}, nil, "")
	if err == nil {
		t.Fatalf("expected error for blocked host")
	}
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *proxy.Error, got %T", err)
	}
	if perr.Status() != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", perr.Status())
	}
}

func TestPipeline_NonHTMLNonCSSStreamsAndIsNotCached(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("binary-data"))
	}))
	defer up.Close()

	p := newTestPipeline(time.Minute)
	routeTo(p, up)
	result, err := p.Handle(context.Background(), "http://upstream.test/f.bin", http.MethodGet, http.Header{}, nil, "")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Stream == nil {
		t.Fatalf("expected a streamed passthrough result")
	}
	data, _ := io.ReadAll(result.Stream)
	result.Stream.Close()
	if string(data) != "binary-data" {
		t.Fatalf("stream body = %q, want binary-data", data)
	}
	if p.Cache.Len() != 0 {
		t.Fatalf("expected streamed response not to be cached, cache len=%d", p.Cache.Len())
	}
}

func TestPipeline_CacheHitAvoidsSecondUpstreamCall(t *testing.T) {
	var hits int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<p>hi</p>"))
	}))
	defer up.Close()

	p := newTestPipeline(time.Minute)
	routeTo(p, up)
	target := "http://upstream.test/cached"

	first, err := p.Handle(context.Background(), target, http.MethodGet, http.Header{}, nil, "")
	if err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if first.FromCache {
		t.Fatalf("expected first request to be a cache miss")
	}

	second, err := p.Handle(context.Background(), target, http.MethodGet, http.Header{}, nil, "")
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("expected second request to be a cache hit")
	}
	if hits != 1 {
		t.Fatalf("expected 1 upstream hit, got %d", hits)
	}
}
