package headless_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"powerthrough/internal/headless"
)

func TestFakeRenderer_RejectsOverCapacity(t *testing.T) {
	hold := make(chan struct{})
	r := &headless.FakeRenderer{Max: 2, HTML: "<html></html>", Hold: hold}

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, ok, err := r.Render(context.Background(), "https://example.com", "")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- ok
		}()
	}

	// Wait until both goroutines have taken their slot before probing the
	// third, over-capacity render.
	for r.Active() < 2 {
	}
	_, ok, err := r.Render(context.Background(), "https://example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected third render to be rejected while two are in flight")
	}

	close(hold)
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatalf("expected both initial renders to be admitted")
		}
	}
}

func TestFakeRenderer_PropagatesError(t *testing.T) {
	wantErr := errors.New("navigation failed")
	r := &headless.FakeRenderer{Max: 1, Err: wantErr}

	_, ok, err := r.Render(context.Background(), "https://example.com", "")
	if !ok {
		t.Fatalf("expected ok=true (admitted, but render failed)")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestFakeRenderer_ReleasesSlotAfterRender(t *testing.T) {
	r := &headless.FakeRenderer{Max: 1, HTML: "ok"}
	if _, ok, _ := r.Render(context.Background(), "https://example.com", ""); !ok {
		t.Fatalf("expected first render admitted")
	}
	if _, ok, _ := r.Render(context.Background(), "https://example.com", ""); !ok {
		t.Fatalf("expected slot released after first render returned")
	}
}
