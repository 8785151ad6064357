package rewrite_test

import (
	"net/url"
	"strings"
	"testing"

	"powerthrough/internal/rewrite"
)

func mustBase(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	return u
}

func TestHTML_RewritesHref(t *testing.T) {
	base := mustBase(t, "https://example.com/p")
	out := rewrite.HTML(`<a href="/foo">X</a>`, base, nil)
	want := `href="/powerthrough?url=` + url.QueryEscape("https://example.com/foo") + `"`
	if !strings.Contains(out, want) {
		t.Fatalf("output missing rewritten href: %s", out)
	}
}

func TestHTML_SkipsFragmentMailtoAndProxied(t *testing.T) {
	base := mustBase(t, "https://example.com/p")
	in := `<a href="#top">A</a><a href="mailto:x@y.com">B</a><a href="/powerthrough?url=already">C</a>`
	out := rewrite.HTML(in, base, nil)
	if !strings.Contains(out, `href="#top"`) {
		t.Fatalf("fragment should be untouched: %s", out)
	}
	if !strings.Contains(out, `href="mailto:x@y.com"`) {
		t.Fatalf("mailto should be untouched: %s", out)
	}
	if !strings.Contains(out, `href="/powerthrough?url=already"`) {
		t.Fatalf("already-proxied href should be untouched: %s", out)
	}
}

func TestHTML_SrcsetRewritesEachURL(t *testing.T) {
	base := mustBase(t, "https://example.com/p")
	out := rewrite.HTML(`<img srcset="/a.png 1x, /b.png 2x">`, base, nil)
	if !strings.Contains(out, url.QueryEscape("https://example.com/a.png")) ||
		!strings.Contains(out, url.QueryEscape("https://example.com/b.png")) {
		t.Fatalf("srcset not rewritten: %s", out)
	}
	if !strings.Contains(out, "1x") || !strings.Contains(out, "2x") {
		t.Fatalf("descriptors lost: %s", out)
	}
}

func TestHTML_FormWithoutActionPostsToCurrentPage(t *testing.T) {
	base := mustBase(t, "https://example.com/p")
	out := rewrite.HTML(`<form method="post"></form>`, base, nil)
	want := `action="` + rewrite.BuildProxyURL(base) + `"`
	if !strings.Contains(out, want) {
		t.Fatalf("missing synthesized action: %s", out)
	}
}

func TestHTML_EntitiesPreservedVerbatim(t *testing.T) {
	base := mustBase(t, "https://example.com/p")
	in := `<p>Tom &amp; Jerry</p>`
	out := rewrite.HTML(in, base, nil)
	if !strings.Contains(out, "Tom &amp; Jerry") {
		t.Fatalf("entity was re-encoded or lost: %s", out)
	}
}

func TestHTML_DuckDuckGoPatchStripsIntegrityAndFixesProtocolRelative(t *testing.T) {
	base := mustBase(t, "https://duckduckgo.com/")
	profile := rewrite.MatchProfile("duckduckgo.com")
	// <a href> values are resolved into proxy URLs before the patch runs, so
	// the protocol-relative href sits on <area>, which the rewriter leaves as is.
	in := `<script src="/s.js" integrity="sha256-abc"></script><area href="//cdn.example.com/x">`
	out := rewrite.HTML(in, base, profile)
	if strings.Contains(out, "integrity=") {
		t.Fatalf("integrity attribute not stripped: %s", out)
	}
	if !strings.Contains(out, `href="https://`) {
		t.Fatalf("protocol-relative href not fixed: %s", out)
	}
}

func TestCSS_RewritesURLToken(t *testing.T) {
	base := mustBase(t, "https://example.com/")
	out := rewrite.CSS(`body{background:url('/bg.png')}`, base)
	want := "url(" + rewrite.BuildProxyURL(mustBase(t, "https://example.com/bg.png")) + ")"
	if out != `body{background:`+want+`}` {
		t.Fatalf("unexpected css: %s", out)
	}
}

func TestCSS_SkipsDataAndFragment(t *testing.T) {
	base := mustBase(t, "https://example.com/")
	in := `a{b:url(data:image/png;base64,Zm9v)} c{d:url(#frag)}`
	out := rewrite.CSS(in, base)
	if out != in {
		t.Fatalf("data:/fragment urls should be untouched: %s", out)
	}
}

func TestCSS_Idempotent(t *testing.T) {
	base := mustBase(t, "https://example.com/")
	in := `body{background:url('/bg.png')}`
	once := rewrite.CSS(in, base)
	twice := rewrite.CSS(once, base)
	if once != twice {
		t.Fatalf("css rewrite not idempotent: once=%q twice=%q", once, twice)
	}
}
