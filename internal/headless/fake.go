package headless

import (
	"context"
	"sync/atomic"
)

// FakeRenderer is a deterministic Renderer used in tests so that suites
// exercising admission and error paths never launch a real browser. Hold,
// when non-nil, is read once per render before releasing its admission
// slot, letting a test pin concurrent renders open to exercise rejection.
type FakeRenderer struct {
	Max      int64
	active   int64
	HTML     string
	Err      error
	Hold     <-chan struct{}
	Requests int64
}

// Render implements Renderer.
func (f *FakeRenderer) Render(_ context.Context, _, _ string) (string, bool, error) {
	atomic.AddInt64(&f.Requests, 1)
	for {
		current := atomic.LoadInt64(&f.active)
		if f.Max > 0 && current >= f.Max {
			return "", false, nil
		}
		if atomic.CompareAndSwapInt64(&f.active, current, current+1) {
			break
		}
	}
	defer atomic.AddInt64(&f.active, -1)

	if f.Hold != nil {
		<-f.Hold
	}

	if f.Err != nil {
		return "", true, f.Err
	}
	return f.HTML, true, nil
}

// Active implements Renderer.
func (f *FakeRenderer) Active() int64 {
	return atomic.LoadInt64(&f.active)
}

// Close implements Renderer.
func (f *FakeRenderer) Close() error {
	return nil
}
