package headless

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Renderer executes a page in a headless browser and returns its
// post-JavaScript DOM serialization.
type Renderer interface {
	// Render navigates to target and returns the document's outer HTML once
	// the page has loaded and the network has gone idle (or the timeout
	// elapses). ok is false when the renderer is at its concurrency cap; in
	// that case Render does not touch the admission gauge and the caller
	// should treat the request as rejected, not failed.
	Render(ctx context.Context, target, userAgent string) (html string, ok bool, err error)
	// Active reports the number of renders currently in flight.
	Active() int64
	// Close releases the underlying browser process.
	Close() error
}

// RodRenderer runs pages in a single headless Chromium instance managed by
// go-rod, admitting at most Max concurrent renders.
type RodRenderer struct {
	browser *rod.Browser
	max     int64
	active  int64
	timeout time.Duration
}

// NewRodRenderer launches a headless Chromium process configured for
// container use and returns a Renderer bounded to max concurrent renders.
// A non-positive timeout defaults to 30 seconds.
func NewRodRenderer(max int, timeout time.Duration) (*RodRenderer, error) {
	if max <= 0 {
		max = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	controlURL, err := launcher.New().
		Headless(true).
		NoSandbox(true).
		Devtools(false).
		Env("--disable-gpu").
		Env("--disable-dev-shm-usage").
		Env("--disable-setuid-sandbox").
		Env("--no-first-run").
		Env("--no-zygote").
		Env("--disable-extensions").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch headless browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Timeout(timeout)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to headless browser: %w", err)
	}

	return &RodRenderer{browser: browser, max: int64(max), timeout: timeout}, nil
}

// tryAcquire admits one more render if the active count is below max. It is
// a CAS loop rather than a mutex so the admission check and the increment
// happen as a single atomic step.
func (r *RodRenderer) tryAcquire() bool {
	for {
		current := atomic.LoadInt64(&r.active)
		if current >= r.max {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.active, current, current+1) {
			return true
		}
	}
}

func (r *RodRenderer) release() {
	atomic.AddInt64(&r.active, -1)
}

// Active implements Renderer.
func (r *RodRenderer) Active() int64 {
	return atomic.LoadInt64(&r.active)
}

// Render implements Renderer.
func (r *RodRenderer) Render(ctx context.Context, target, userAgent string) (string, bool, error) {
	if !r.tryAcquire() {
		return "", false, nil
	}
	defer r.release()

	renderCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	page, err := r.browser.Context(renderCtx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", true, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
			return "", true, fmt.Errorf("set user agent: %w", err)
		}
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: 1366, Height: 768}); err != nil {
		return "", true, fmt.Errorf("set viewport: %w", err)
	}

	if err := page.Context(renderCtx).Navigate(target); err != nil {
		return "", true, fmt.Errorf("navigate to %s: %w", target, err)
	}

	if err := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)(); err != nil {
		return "", true, fmt.Errorf("wait for dom content loaded: %w", err)
	}

	// Best effort: a page with long-polling connections may never go
	// idle, so a timeout here is not treated as a render failure.
	_ = page.Context(renderCtx).WaitIdle(5 * time.Second)

	content, err := page.HTML()
	if err != nil {
		return "", true, fmt.Errorf("read rendered document: %w", err)
	}
	return content, true, nil
}

// Close implements Renderer.
func (r *RodRenderer) Close() error {
	return r.browser.Close()
}
