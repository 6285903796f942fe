package analytics

import (
	"context"
	"sort"
	"sync"
)

// MemoryTracker keeps usage records in process memory. Suitable for
// development, tests, and deployments that have not configured ClickHouse.
type MemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

// NewMemoryTracker creates an empty in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{}
}

// LogUsage appends rec. Never fails.
func (t *MemoryTracker) LogUsage(_ context.Context, rec UsageRecord) {
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
}

// QueryUsage returns matching records sorted by timestamp descending, with
// pagination applied after the sort.
func (t *MemoryTracker) QueryUsage(_ context.Context, f Filter) ([]UsageRecord, error) {
	t.mu.RLock()
	var out []UsageRecord
	for i := range t.records {
		if f.matches(&t.records[i]) {
			out = append(out, t.records[i])
		}
	}
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TS.After(out[j].TS)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetMetrics aggregates matching records.
func (t *MemoryTracker) GetMetrics(_ context.Context, f Filter) (*Metrics, error) {
	m := &Metrics{PerModel: make(map[string]int)}
	var latencySum int64

	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.records {
		r := &t.records[i]
		if !f.matches(r) {
			continue
		}
		m.TotalRequests++
		if r.Success {
			m.Successful++
		} else {
			m.Failed++
		}
		m.InputTokens += r.InputTokens
		m.OutputTokens += r.OutputTokens
		m.TotalTokens += r.TotalTokens
		m.TotalCostUSD += r.CostUSD
		latencySum += r.LatencyMS
		if r.ActualModel != "" {
			m.PerModel[r.ActualModel]++
		}
		if r.ActualModel != "" && r.RequestedModel != "" && r.ActualModel != r.RequestedModel {
			m.Fallbacks++
		}
		if r.CacheHit {
			m.CacheHits++
		}
	}

	if m.TotalRequests > 0 {
		m.AverageLatencyMS = float64(latencySum) / float64(m.TotalRequests)
	}
	return m, nil
}

var _ Tracker = (*MemoryTracker)(nil)
