package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

func testRegistry() *catalog.Registry {
	return catalog.NewRegistry([]catalog.ModelInfo{
		{ID: "openai/gpt-4o", Provider: "openai", InputPrice: 2.5, OutputPrice: 10},
		{ID: "anthropic/claude-3-haiku-20240307", Provider: "anthropic", InputPrice: 0.25, OutputPrice: 1.25},
	})
}

func TestCalculatorCost(t *testing.T) {
	calc := NewCalculator(testRegistry(), 1.0, 2.0)

	tests := []struct {
		name    string
		model   string
		in, out int
		want    float64
	}{
		{"catalog model", "openai/gpt-4o", 1000, 500, (1000*2.5 + 500*10) / 1e6},
		{"cheap model", "anthropic/claude-3-haiku-20240307", 2_000_000, 0, 0.5},
		{"unknown model falls back to default rates", "nobody/mystery", 1000, 1000, (1000*1.0 + 1000*2.0) / 1e6},
		{"zero tokens", "openai/gpt-4o", 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := calc.Cost(tc.model, tc.in, tc.out)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("Cost(%s, %d, %d) = %v, want %v", tc.model, tc.in, tc.out, got, tc.want)
			}
		})
	}
}

func seedTracker(t *testing.T) *MemoryTracker {
	t.Helper()
	tr := NewMemoryTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []UsageRecord{
		{ID: "r1", TS: base, Owner: "ws-1", RequestedModel: "openai/gpt-4o", ActualModel: "openai/gpt-4o",
			InputTokens: 100, OutputTokens: 50, TotalTokens: 150, CostUSD: 0.001, LatencyMS: 200, Success: true},
		{ID: "r2", TS: base.Add(time.Minute), Owner: "ws-1", RequestedModel: "anthropic/claude-3-opus-20240229",
			ActualModel: "openai/gpt-4o", InputTokens: 10, OutputTokens: 5, TotalTokens: 15,
			CostUSD: 0.0001, LatencyMS: 100, Success: true, RoutingStrategy: "fallback"},
		{ID: "r3", TS: base.Add(2 * time.Minute), Owner: "ws-1", RequestedModel: "openai/gpt-4o",
			ActualModel: "openai/gpt-4o", CacheHit: true, Success: true, LatencyMS: 0},
		{ID: "r4", TS: base.Add(3 * time.Minute), Owner: "ws-1", RequestedModel: "openai/gpt-4o",
			Success: false, ErrorKind: "NO_MODEL_AVAILABLE", LatencyMS: 60},
		{ID: "r5", TS: base.Add(4 * time.Minute), Owner: "ws-2", RequestedModel: "openai/gpt-4o",
			ActualModel: "openai/gpt-4o", Success: true, LatencyMS: 40, EndpointID: "ep-1"},
	}
	for _, r := range records {
		tr.LogUsage(context.Background(), r)
	}
	return tr
}

func TestQueryUsageFiltersAndOrder(t *testing.T) {
	tr := seedTracker(t)
	ctx := context.Background()

	got, err := tr.QueryUsage(ctx, Filter{Owner: "ws-1"})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("ws-1 records = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TS.After(got[i-1].TS) {
			t.Fatal("results must be sorted by ts descending")
		}
	}

	got, _ = tr.QueryUsage(ctx, Filter{Owner: "ws-1", Limit: 2, Offset: 1})
	if len(got) != 2 || got[0].ID != "r3" || got[1].ID != "r2" {
		t.Fatalf("paginated ids = %v, want [r3 r2]", []string{got[0].ID, got[1].ID})
	}

	got, _ = tr.QueryUsage(ctx, Filter{Owner: "ws-2", EndpointID: "ep-1"})
	if len(got) != 1 || got[0].ID != "r5" {
		t.Fatalf("endpoint filter returned %d records", len(got))
	}

	got, _ = tr.QueryUsage(ctx, Filter{Owner: "ws-1", Models: []string{"anthropic/claude-3-opus-20240229"}})
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("model filter should match requested model too, got %d records", len(got))
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, _ = tr.QueryUsage(ctx, Filter{Owner: "ws-1", Start: base.Add(90 * time.Second), End: base.Add(200 * time.Second)})
	if len(got) != 2 {
		t.Fatalf("time window returned %d records, want 2", len(got))
	}
}

func TestGetMetricsAggregates(t *testing.T) {
	tr := seedTracker(t)

	m, err := tr.GetMetrics(context.Background(), Filter{Owner: "ws-1"})
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}

	if m.TotalRequests != 4 || m.Successful != 3 || m.Failed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 4/3/1", m.TotalRequests, m.Successful, m.Failed)
	}
	if m.InputTokens != 110 || m.OutputTokens != 55 || m.TotalTokens != 165 {
		t.Fatalf("tokens = %d/%d/%d", m.InputTokens, m.OutputTokens, m.TotalTokens)
	}
	if math.Abs(m.TotalCostUSD-0.0011) > 1e-12 {
		t.Fatalf("cost = %v, want 0.0011", m.TotalCostUSD)
	}
	if want := float64(200+100+0+60) / 4; math.Abs(m.AverageLatencyMS-want) > 1e-9 {
		t.Fatalf("avg latency = %v, want %v", m.AverageLatencyMS, want)
	}
	if m.PerModel["openai/gpt-4o"] != 3 {
		t.Fatalf("per-model gpt-4o = %d, want 3", m.PerModel["openai/gpt-4o"])
	}
	if m.Fallbacks != 1 {
		t.Fatalf("fallbacks = %d, want 1 (requested != actual)", m.Fallbacks)
	}
	if m.CacheHits != 1 {
		t.Fatalf("cache hits = %d, want 1", m.CacheHits)
	}
}

func TestGetMetricsEmpty(t *testing.T) {
	tr := NewMemoryTracker()
	m, err := tr.GetMetrics(context.Background(), Filter{Owner: "nobody"})
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if m.TotalRequests != 0 || m.AverageLatencyMS != 0 {
		t.Fatalf("empty metrics = %+v", m)
	}
}
