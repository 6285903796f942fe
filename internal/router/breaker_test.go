package router

import (
	"context"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// flakyAdapter fails Complete until healed.
type flakyAdapter struct {
	failing bool
}

func (f *flakyAdapter) Available(context.Context, string, time.Duration) bool { return true }

func (f *flakyAdapter) Complete(_ context.Context, modelID string, _ *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	if f.failing {
		return nil, &catalog.Error{Kind: catalog.KindUpstreamError, Message: "boom"}
	}
	return &catalog.ModelResponse{Model: modelID}, nil
}

func (f *flakyAdapter) Stream(context.Context, string, *catalog.ModelRequest) (<-chan StreamDelta, *catalog.Error) {
	ch := make(chan StreamDelta)
	close(ch)
	return ch, nil
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	inner := &flakyAdapter{failing: true}
	b := WrapWithBreaker(inner, BreakerConfig{ErrorThreshold: 3, HalfOpenTimeout: time.Hour})
	ctx := context.Background()
	req := &catalog.ModelRequest{}

	for i := 0; i < 3; i++ {
		if _, err := b.Complete(ctx, "openai/gpt-4o", req); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.StateLabel("openai/gpt-4o") != "open" {
		t.Fatalf("state = %s, want open after 3 failures", b.StateLabel("openai/gpt-4o"))
	}

	// Open breaker answers Available false without an upstream call.
	if b.Available(ctx, "openai/gpt-4o", time.Second) {
		t.Fatal("open breaker must report unavailable")
	}

	// Other models are unaffected.
	if b.StateLabel("openai/gpt-4o-mini") != "closed" {
		t.Fatal("breakers must be per-model")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	inner := &flakyAdapter{failing: true}
	b := WrapWithBreaker(inner, BreakerConfig{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	req := &catalog.ModelRequest{}

	b.Complete(ctx, "m", req)
	if b.StateLabel("m") != "open" {
		t.Fatalf("state = %s, want open", b.StateLabel("m"))
	}

	time.Sleep(15 * time.Millisecond)
	inner.failing = false

	// Half-open probe goes through and closes the breaker.
	if !b.Available(ctx, "m", time.Second) {
		t.Fatal("half-open breaker must allow one probe")
	}
	if _, err := b.Complete(ctx, "m", req); err != nil {
		t.Fatalf("recovered Complete: %v", err)
	}
	if b.StateLabel("m") != "closed" {
		t.Fatalf("state = %s, want closed after success", b.StateLabel("m"))
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &cancelAdapter{}
	b := WrapWithBreaker(inner, BreakerConfig{ErrorThreshold: 1})
	ctx := context.Background()

	b.Complete(ctx, "m", &catalog.ModelRequest{})
	if b.StateLabel("m") != "closed" {
		t.Fatal("caller cancellation must not count as a model failure")
	}
}

type cancelAdapter struct{}

func (cancelAdapter) Available(context.Context, string, time.Duration) bool { return true }

func (cancelAdapter) Complete(context.Context, string, *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	return nil, &catalog.Error{Kind: catalog.KindCancelled, Message: "cancelled"}
}

func (cancelAdapter) Stream(context.Context, string, *catalog.ModelRequest) (<-chan StreamDelta, *catalog.Error) {
	return nil, &catalog.Error{Kind: catalog.KindCancelled, Message: "cancelled"}
}
