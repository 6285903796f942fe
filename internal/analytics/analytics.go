// Package analytics records per-request usage and serves queries and
// aggregates over it.
//
// Two trackers are available:
//   - MemoryTracker     — in-process, unbounded list of records, for development and tests.
//   - ClickHouseTracker — durable recorder over ClickHouse, for production.
//
// Both implement Tracker. The rest of the core only sees the narrow
// Recorder capability, which breaks the reference cycle the router, cache,
// batch processor, and webhook dispatcher would otherwise form around the
// concrete store.
package analytics

import (
	"context"
	"time"
)

// UsageRecord is one per-request audit entry.
type UsageRecord struct {
	ID              string        `json:"id"`
	TS              time.Time     `json:"ts"`
	Owner           string        `json:"owner"`
	RequestedModel  string        `json:"requested_model"`
	ActualModel     string        `json:"actual_model"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	TotalTokens     int           `json:"total_tokens"`
	CostUSD         float64       `json:"cost_usd"`
	LatencyMS       int64         `json:"latency_ms"`
	Success         bool          `json:"success"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	RoutingStrategy string        `json:"routing_strategy,omitempty"`
	EndpointID      string        `json:"endpoint_id,omitempty"`
	CacheHit        bool          `json:"cache_hit"`
	CacheTTL        time.Duration `json:"cache_ttl,omitempty"`
}

// Filter narrows QueryUsage / GetMetrics. Zero Start/End mean unbounded.
type Filter struct {
	Owner      string
	Start      time.Time
	End        time.Time
	Models     []string
	EndpointID string

	// Pagination for QueryUsage. Limit 0 means no limit.
	Limit  int
	Offset int
}

func (f *Filter) matches(r *UsageRecord) bool {
	if f.Owner != "" && r.Owner != f.Owner {
		return false
	}
	if !f.Start.IsZero() && r.TS.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.TS.After(f.End) {
		return false
	}
	if f.EndpointID != "" && r.EndpointID != f.EndpointID {
		return false
	}
	if len(f.Models) > 0 {
		found := false
		for _, m := range f.Models {
			if r.ActualModel == m || r.RequestedModel == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Metrics is the aggregate view GetMetrics returns.
type Metrics struct {
	TotalRequests    int            `json:"total_requests"`
	Successful       int            `json:"successful"`
	Failed           int            `json:"failed"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	AverageLatencyMS float64        `json:"average_latency_ms"`
	PerModel         map[string]int `json:"per_model"`
	Fallbacks        int            `json:"fallbacks"`
	CacheHits        int            `json:"cache_hits"`
}

// Recorder is the write-side capability injected into the request
// pipeline. LogUsage is synchronous and must not block on I/O longer than
// the tracker's own bounded timeout.
type Recorder interface {
	LogUsage(ctx context.Context, rec UsageRecord)
}

// Tracker is the full analytics store: recording plus the read side.
type Tracker interface {
	Recorder
	QueryUsage(ctx context.Context, f Filter) ([]UsageRecord, error)
	GetMetrics(ctx context.Context, f Filter) (*Metrics, error)
}
