package router

import (
	"testing"

	"github.com/latticeai/gateway/internal/catalog"
)

func autoReq(route catalog.RouteStrategy) *catalog.ModelRequest {
	return &catalog.ModelRequest{
		Model:    "auto",
		Messages: []catalog.ChatMessage{{Role: "user", Text: "hi"}},
		Route:    route,
	}
}

func TestLowestCostOrderNotDisturbedByDiversification(t *testing.T) {
	// Distinct combined prices: 1.5, 2.0, 12.5, 90. Provider
	// diversification must not reorder across distinct sort keys — opus
	// stays last even though gpt-3.5 and gpt-4o share a provider.
	reg := catalog.NewRegistry([]catalog.ModelInfo{
		{ID: "anthropic/haiku", Provider: "anthropic", InputPrice: 0.5, OutputPrice: 1.0},
		{ID: "openai/gpt-3.5", Provider: "openai", InputPrice: 0.5, OutputPrice: 1.5},
		{ID: "openai/gpt-4o", Provider: "openai", InputPrice: 2.5, OutputPrice: 10},
		{ID: "anthropic/opus", Provider: "anthropic", InputPrice: 15, OutputPrice: 75},
	})

	got := buildCandidates(reg, autoReq(catalog.RouteLowestCost))
	want := []string{"anthropic/haiku", "openai/gpt-3.5", "openai/gpt-4o", "anthropic/opus"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want strict price order %v", got, want)
		}
	}
}

func TestEqualKeyRunDiversifiesProviders(t *testing.T) {
	// Four models with identical combined price: the tie-break alternates
	// providers within the run.
	reg := catalog.NewRegistry([]catalog.ModelInfo{
		{ID: "anthropic/x", Provider: "anthropic", InputPrice: 1, OutputPrice: 1},
		{ID: "anthropic/y", Provider: "anthropic", InputPrice: 1, OutputPrice: 1},
		{ID: "openai/p", Provider: "openai", InputPrice: 1, OutputPrice: 1},
		{ID: "openai/q", Provider: "openai", InputPrice: 1, OutputPrice: 1},
	})

	got := buildCandidates(reg, autoReq(catalog.RouteLowestCost))
	if len(got) != 4 {
		t.Fatalf("candidates = %v", got)
	}
	for i := 1; i < len(got); i++ {
		if providerOf(got[i]) == providerOf(got[i-1]) {
			t.Fatalf("consecutive same-provider candidates in an equal-price run: %v", got)
		}
	}
}

func TestTiedRankPrefersNewerFamilySnapshot(t *testing.T) {
	// Neither snapshot appears in the fixed speed-rank table, so both tie
	// at the unknown rank; the newer gpt-4o snapshot must order first
	// even though stable id order puts the older one ahead.
	reg := catalog.NewRegistry([]catalog.ModelInfo{
		{ID: "openai/gpt-4o-2024-05-13", Provider: "openai"},
		{ID: "openai/gpt-4o-2024-11-20", Provider: "openai"},
	})

	got := buildCandidates(reg, autoReq(catalog.RouteFastest))
	want := []string{"openai/gpt-4o-2024-11-20", "openai/gpt-4o-2024-05-13"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("candidates = %v, want newest snapshot first %v", got, want)
	}
}
