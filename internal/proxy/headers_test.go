package proxy

import (
	"net/http"
	"testing"
)

func TestCopyRequestHeaders_SkipsHopByHopAndHost(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Host", "example.com")
	src.Set("X-Custom", "value")

	dst := http.Header{}
	copyRequestHeaders(dst, src)

	if dst.Get("Connection") != "" {
		t.Fatalf("expected Connection to be dropped")
	}
	if dst.Get("Host") != "" {
		t.Fatalf("expected Host to be dropped")
	}
	if dst.Get("X-Custom") != "value" {
		t.Fatalf("expected X-Custom to survive, got %q", dst.Get("X-Custom"))
	}
}

func TestFilterResponseHeaders_StripsFramingAndCSP(t *testing.T) {
	upstream := http.Header{}
	upstream.Set("X-Frame-Options", "DENY")
	upstream.Set("Content-Security-Policy", "default-src 'self'")
	upstream.Set("Content-Type", "text/html")
	upstream.Add("Set-Cookie", "a=1")
	upstream.Add("Set-Cookie", "b=2")

	out := filterResponseHeaders(upstream)

	if out.Get("X-Frame-Options") != "" {
		t.Fatalf("expected X-Frame-Options stripped")
	}
	if out.Get("Content-Security-Policy") != "" {
		t.Fatalf("expected Content-Security-Policy stripped")
	}
	if out.Get("Content-Type") != "text/html" {
		t.Fatalf("expected Content-Type preserved")
	}
	cookies := out.Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("expected both Set-Cookie values preserved, got %v", cookies)
	}
}

func TestIsHopHeader_CaseInsensitive(t *testing.T) {
	if !isHopHeader("transfer-encoding") {
		t.Fatalf("expected transfer-encoding to be recognized as hop-by-hop")
	}
	if isHopHeader("Content-Type") {
		t.Fatalf("did not expect Content-Type to be hop-by-hop")
	}
}
