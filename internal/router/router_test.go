package router

import (
	"context"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// fakeAdapter is a minimal UpstreamAdapter double for router tests.
type fakeAdapter struct {
	healthy map[string]bool
}

func (f *fakeAdapter) Available(ctx context.Context, modelID string, timeout time.Duration) bool {
	return f.healthy[modelID]
}

func (f *fakeAdapter) Complete(ctx context.Context, modelID string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	return &catalog.ModelResponse{Model: modelID, RoutedThrough: modelID}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, modelID string, req *catalog.ModelRequest) (<-chan StreamDelta, *catalog.Error) {
	ch := make(chan StreamDelta)
	close(ch)
	return ch, nil
}

func allHealthyAdapters(reg *catalog.Registry) map[string]UpstreamAdapter {
	out := map[string]UpstreamAdapter{}
	healthy := map[string]map[string]bool{}
	for _, m := range reg.All() {
		if healthy[m.Provider] == nil {
			healthy[m.Provider] = map[string]bool{}
		}
		healthy[m.Provider][m.ID] = true
	}
	for provider, h := range healthy {
		out[provider] = &fakeAdapter{healthy: h}
	}
	return out
}

func TestSelect_HappyPath(t *testing.T) {
	reg := catalog.NewRegistry(catalog.DefaultModels)
	r := New(reg, allHealthyAdapters(reg), ProbeConfig{})

	req := &catalog.ModelRequest{
		Model:    "anthropic/claude-3-opus-20240229",
		Messages: []catalog.ChatMessage{{Role: "user", Text: "Hi"}},
		Route:    catalog.RouteDefault,
	}
	got, err := r.Select(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "anthropic/claude-3-opus-20240229" {
		t.Fatalf("expected requested model to be selected, got %s", got)
	}
}

func TestSelect_Fallback(t *testing.T) {
	reg := catalog.NewRegistry(catalog.DefaultModels)
	adapters := allHealthyAdapters(reg)
	// Mark the primary candidate unavailable.
	adapters["anthropic"].(*fakeAdapter).healthy["anthropic/claude-3-opus-20240229"] = false

	r := New(reg, adapters, ProbeConfig{Retries: 1, BaseBackoff: time.Millisecond})
	req := &catalog.ModelRequest{
		Model:     "anthropic/claude-3-opus-20240229",
		Messages:  []catalog.ChatMessage{{Role: "user", Text: "Hi"}},
		Route:     catalog.RouteFallback,
		Fallbacks: []string{"openai/gpt-4o", "openai/gpt-3.5-turbo"},
	}
	got, err := r.Select(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "openai/gpt-4o" {
		t.Fatalf("expected fallback to openai/gpt-4o, got %s", got)
	}
}

func TestSelect_FeatureGate(t *testing.T) {
	reg := catalog.NewRegistry(catalog.DefaultModels)
	r := New(reg, allHealthyAdapters(reg), ProbeConfig{})

	img := struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	}{URL: "http://example.com/x.png"}
	req := &catalog.ModelRequest{
		Model:    "openai/gpt-4-turbo", // no vision
		Messages: []catalog.ChatMessage{{Role: "user", Parts: []catalog.ContentPart{{Type: "image_url", ImageURL: &img}}}},
		Route:    catalog.RouteDefault,
	}
	got, err := r.Select(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, ok := reg.Get(got)
	if !ok || !info.Features.Has(catalog.FeatureVision) {
		t.Fatalf("expected a vision-capable fallback, got %s", got)
	}
}

func TestSelect_LowestCost(t *testing.T) {
	reg := catalog.NewRegistry(catalog.DefaultModels)
	r := New(reg, allHealthyAdapters(reg), ProbeConfig{})

	req := &catalog.ModelRequest{
		Model:    "auto",
		Messages: []catalog.ChatMessage{{Role: "user", Text: "Hi"}},
		Route:    catalog.RouteLowestCost,
	}
	got, err := r.Select(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "gemini/gemini-2.5-flash" {
		t.Fatalf("expected cheapest eligible model, got %s", got)
	}
}

func TestSelect_NoModelAvailable(t *testing.T) {
	reg := catalog.NewRegistry(catalog.DefaultModels)
	r := New(reg, map[string]UpstreamAdapter{}, ProbeConfig{})

	req := &catalog.ModelRequest{
		Model:    "openai/gpt-4o",
		Messages: []catalog.ChatMessage{{Role: "user", Text: "Hi"}},
		Route:    catalog.RouteDefault,
	}
	_, err := r.Select(context.Background(), req, nil)
	if err == nil || err.Kind != catalog.KindNoModelAvailable {
		t.Fatalf("expected NO_MODEL_AVAILABLE, got %v", err)
	}
}
