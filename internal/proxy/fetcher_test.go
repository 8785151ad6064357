package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestFetcher_ForcesIdentityEncodingAndSetsOrigin(t *testing.T) {
	var gotEncoding, gotOrigin, gotHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Accept-Encoding")
		gotOrigin = r.Header.Get("Origin")
		gotHost = r.Host
		w.Write([]byte("ok"))
	}))
	defer up.Close()

	target, _ := url.Parse(up.URL)
	f := NewFetcher("fallback-agent")

	resp, err := f.Fetch(context.Background(), target, http.MethodGet, http.Header{"Accept-Encoding": {"gzip"}}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if gotEncoding != "identity" {
		t.Fatalf("Accept-Encoding = %q, want identity", gotEncoding)
	}
	if gotOrigin != "http://"+target.Host {
		t.Fatalf("Origin = %q, want http://%s", gotOrigin, target.Host)
	}
	if gotHost != target.Host {
		t.Fatalf("Host = %q, want %q", gotHost, target.Host)
	}
}

func TestFetcher_AppliesFallbackUserAgentWhenAbsent(t *testing.T) {
	var gotUA string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer up.Close()

	target, _ := url.Parse(up.URL)
	f := NewFetcher("fallback-agent")

	resp, err := f.Fetch(context.Background(), target, http.MethodGet, http.Header{}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	resp.Body.Close()

	if gotUA != "fallback-agent" {
		t.Fatalf("User-Agent = %q, want fallback-agent", gotUA)
	}
}

func TestFetcher_DoesNotFollowRedirects(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer up.Close()

	target, _ := url.Parse(up.URL)
	f := NewFetcher("")

	resp, err := f.Fetch(context.Background(), target, http.MethodGet, http.Header{}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.Status != http.StatusFound {
		t.Fatalf("status = %d, want 302 (redirect not followed)", resp.Status)
	}
	if resp.Headers.Get("Location") != "/elsewhere" {
		t.Fatalf("Location = %q, want /elsewhere", resp.Headers.Get("Location"))
	}
}
