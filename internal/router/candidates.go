package router

import (
	"sort"

	"github.com/latticeai/gateway/internal/catalog"
)

// buildCandidates returns the ordered, feature-eligible candidate list for
// req, per the request's routing strategy. The caller still has to probe
// health in order and skip excluded candidates.
func buildCandidates(reg *catalog.Registry, req *catalog.ModelRequest) []string {
	required := req.RequiredFeatures()
	eligible := reg.Eligible(required)

	eligibleIDs := make(map[string]bool, len(eligible))
	for _, m := range eligible {
		eligibleIDs[m.ID] = true
	}

	requested := req.Model
	requestedEligible := !catalog.IsAuto(requested) && eligibleIDs[requested]

	switch req.Route {
	case catalog.RouteLowestCost:
		return strategyOrder(eligible, func(m catalog.ModelInfo) float64 {
			return m.CombinedPrice()
		})

	case catalog.RouteFastest:
		return strategyOrder(eligible, func(m catalog.ModelInfo) float64 {
			return float64(catalog.SpeedRank(m.ID))
		})

	case catalog.RouteHighestQuality:
		return strategyOrder(eligible, func(m catalog.ModelInfo) float64 {
			return -float64(catalog.QualityRank(m.ID))
		})

	case catalog.RouteFallback:
		out := []string{}
		seen := map[string]bool{}
		if requestedEligible {
			out = append(out, requested)
			seen[requested] = true
		}
		for _, fb := range req.Fallbacks {
			if eligibleIDs[fb] && !seen[fb] {
				out = append(out, fb)
				seen[fb] = true
			}
		}
		out = append(out, remainingEligible(eligible, seen)...)
		return out

	default: // catalog.RouteDefault
		out := []string{}
		seen := map[string]bool{}
		if requestedEligible {
			out = append(out, requested)
			seen[requested] = true
			for _, fb := range catalogRecommendedFallbacks(reg, requested, eligibleIDs) {
				if !seen[fb] {
					out = append(out, fb)
					seen[fb] = true
				}
			}
		}
		out = append(out, remainingEligible(eligible, seen)...)
		return out
	}
}

// catalogRecommendedFallbacks orders other eligible models from the same
// provider as modelID by descending quality rank — the catalog's implicit
// recommendation for a same-family fallback before reaching for a model
// from a different provider.
func catalogRecommendedFallbacks(reg *catalog.Registry, modelID string, eligibleIDs map[string]bool) []string {
	info, ok := reg.Get(modelID)
	if !ok {
		return nil
	}
	var sameProvider []catalog.ModelInfo
	for _, m := range reg.All() {
		if m.ID != modelID && m.Provider == info.Provider && eligibleIDs[m.ID] {
			sameProvider = append(sameProvider, m)
		}
	}
	sort.SliceStable(sameProvider, func(i, j int) bool {
		return catalog.QualityRank(sameProvider[i].ID) > catalog.QualityRank(sameProvider[j].ID)
	})
	return idsOf(sameProvider)
}

func remainingEligible(eligible []catalog.ModelInfo, seen map[string]bool) []string {
	var out []string
	for _, m := range eligible {
		if !seen[m.ID] {
			out = append(out, m.ID)
		}
	}
	return out
}

func idsOf(models []catalog.ModelInfo) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.ID
	}
	return out
}

// strategyOrder sorts eligible by key ascending, then applies the
// tie-breaks inside each run of equal sort keys: newer same-family
// snapshots first, then provider diversification. The primary key order
// is never disturbed — models with distinct keys keep their positions, so
// a cheaper (or faster, or better-ranked) model is never displaced by a
// tie-break swap.
func strategyOrder(eligible []catalog.ModelInfo, key func(catalog.ModelInfo) float64) []string {
	sorted := append([]catalog.ModelInfo{}, eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return key(sorted[i]) < key(sorted[j])
	})

	out := make([]string, 0, len(sorted))
	prevProvider := ""
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && key(sorted[end]) == key(sorted[start]) {
			end++
		}
		run := sorted[start:end]
		tieBreakRun(run, prevProvider)
		for _, m := range run {
			out = append(out, m.ID)
		}
		prevProvider = run[len(run)-1].Provider
		start = end
	}
	return out
}

// tieBreakRun reorders one equal-key run in place. Same-family snapshots
// move ahead of their older siblings, then consecutive candidates prefer
// a provider differing from the previously placed one. Both passes only
// permute within the run, and the input run came from a stable sort over
// stable id order, so the result is deterministic.
func tieBreakRun(run []catalog.ModelInfo, prevProvider string) {
	for i := 1; i < len(run); i++ {
		for j := i; j > 0 && catalog.NewerSnapshot(run[j].ID, run[j-1].ID); j-- {
			run[j], run[j-1] = run[j-1], run[j]
		}
	}

	for i := 0; i < len(run); i++ {
		prev := prevProvider
		if i > 0 {
			prev = run[i-1].Provider
		}
		if run[i].Provider != prev {
			continue
		}
		for j := i + 1; j < len(run); j++ {
			if run[j].Provider != prev {
				run[i], run[j] = run[j], run[i]
				break
			}
		}
	}
}

func providerOf(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i]
		}
	}
	return id
}
