package catalog

import "sort"

// Registry is the process-wide, read-only model catalog. It is built once
// at startup from DefaultModels (or a deployment-supplied override) and
// never mutated afterward, so lookups need no locking.
type Registry struct {
	models     map[string]ModelInfo
	byProvider map[string][]string
	order      []string // stable id order, for deterministic tie-breaks
}

// NewRegistry builds a Registry from a list of catalog entries. Duplicate
// ids keep the first occurrence.
func NewRegistry(models []ModelInfo) *Registry {
	r := &Registry{
		models:     make(map[string]ModelInfo, len(models)),
		byProvider: make(map[string][]string),
	}
	for _, m := range models {
		if _, exists := r.models[m.ID]; exists {
			continue
		}
		r.models[m.ID] = m
		r.byProvider[m.Provider] = append(r.byProvider[m.Provider], m.ID)
		r.order = append(r.order, m.ID)
	}
	sort.Strings(r.order)
	return r
}

// Get returns the catalog entry for id.
func (r *Registry) Get(id string) (ModelInfo, bool) {
	m, ok := r.models[id]
	return m, ok
}

// All returns every catalog entry in stable id order.
func (r *Registry) All() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// Eligible returns every catalog entry whose features are a superset of
// required, in stable id order.
func (r *Registry) Eligible(required FeatureSet) []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, id := range r.order {
		m := r.models[id]
		if m.Features.Superset(required) {
			out = append(out, m)
		}
	}
	return out
}

// Len reports the number of distinct models in the catalog.
func (r *Registry) Len() int {
	return len(r.models)
}

const autoModelID = "auto"

// IsAuto reports whether a requested model id is the reserved "auto" sentinel,
// which defers model selection entirely to the router.
func IsAuto(id string) bool {
	return id == autoModelID
}

// DefaultModels is the built-in catalog seed, covering the providers the
// gateway's upstream adapters support. Prices are USD per 1e6 tokens.
var DefaultModels = []ModelInfo{
	{
		ID: "anthropic/claude-opus-4-6", Provider: "anthropic", Name: "Claude Opus 4.6",
		ContextWindow: 200_000, InputPrice: 15, OutputPrice: 75, MaxOutputTokens: 8192,
		Strengths: []string{"reasoning", "coding", "long-context"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "anthropic/claude-sonnet-4-6", Provider: "anthropic", Name: "Claude Sonnet 4.6",
		ContextWindow: 200_000, InputPrice: 3, OutputPrice: 15, MaxOutputTokens: 8192,
		Strengths: []string{"coding", "balanced"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "anthropic/claude-3-opus-20240229", Provider: "anthropic", Name: "Claude 3 Opus",
		ContextWindow: 200_000, InputPrice: 15, OutputPrice: 75, MaxOutputTokens: 4096,
		Strengths: []string{"reasoning"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse),
	},
	{
		ID: "anthropic/claude-3-5-sonnet-20241022", Provider: "anthropic", Name: "Claude 3.5 Sonnet",
		ContextWindow: 200_000, InputPrice: 3, OutputPrice: 15, MaxOutputTokens: 8192,
		Strengths: []string{"coding", "balanced"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse),
	},
	{
		ID: "anthropic/claude-3-5-haiku-20241022", Provider: "anthropic", Name: "Claude 3.5 Haiku",
		ContextWindow: 200_000, InputPrice: 0.8, OutputPrice: 4, MaxOutputTokens: 8192,
		Strengths: []string{"latency", "cost"},
		Features:  NewFeatureSet(FeatureFunctionCalling, FeatureToolUse),
	},
	{
		ID: "anthropic/claude-3-haiku-20240307", Provider: "anthropic", Name: "Claude 3 Haiku",
		ContextWindow: 200_000, InputPrice: 0.25, OutputPrice: 1.25, MaxOutputTokens: 4096,
		Strengths: []string{"latency", "cost"},
		Features:  NewFeatureSet(FeatureVision),
	},
	{
		ID: "openai/gpt-4o", Provider: "openai", Name: "GPT-4o",
		ContextWindow: 128_000, InputPrice: 2.5, OutputPrice: 10, MaxOutputTokens: 16384,
		Strengths: []string{"balanced", "vision"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "openai/gpt-4o-mini", Provider: "openai", Name: "GPT-4o mini",
		ContextWindow: 128_000, InputPrice: 0.15, OutputPrice: 0.6, MaxOutputTokens: 16384,
		Strengths: []string{"latency", "cost"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "openai/gpt-4-turbo", Provider: "openai", Name: "GPT-4 Turbo",
		ContextWindow: 128_000, InputPrice: 10, OutputPrice: 30, MaxOutputTokens: 4096,
		Strengths: []string{"reasoning"},
		Features:  NewFeatureSet(FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "openai/gpt-3.5-turbo", Provider: "openai", Name: "GPT-3.5 Turbo",
		ContextWindow: 16_385, InputPrice: 0.5, OutputPrice: 1.5, MaxOutputTokens: 4096,
		Strengths: []string{"latency", "cost"},
		Features:  NewFeatureSet(FeatureFunctionCalling, FeatureJSONMode),
	},
	{
		ID: "gemini/gemini-2.5-pro", Provider: "gemini", Name: "Gemini 2.5 Pro",
		ContextWindow: 1_000_000, InputPrice: 1.25, OutputPrice: 5, MaxOutputTokens: 8192,
		Strengths: []string{"long-context", "reasoning"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "gemini/gemini-2.5-flash", Provider: "gemini", Name: "Gemini 2.5 Flash",
		ContextWindow: 1_000_000, InputPrice: 0.075, OutputPrice: 0.3, MaxOutputTokens: 8192,
		Strengths: []string{"latency", "cost", "long-context"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse),
	},
	{
		ID: "gemini/gemini-1.5-pro", Provider: "gemini", Name: "Gemini 1.5 Pro",
		ContextWindow: 2_000_000, InputPrice: 1.25, OutputPrice: 5, MaxOutputTokens: 8192,
		Strengths: []string{"long-context"},
		Features:  NewFeatureSet(FeatureVision, FeatureFunctionCalling, FeatureToolUse),
	},
	{
		ID: "mistral/mistral-large-latest", Provider: "mistral", Name: "Mistral Large",
		ContextWindow: 128_000, InputPrice: 2, OutputPrice: 6, MaxOutputTokens: 8192,
		Strengths: []string{"balanced"},
		Features:  NewFeatureSet(FeatureFunctionCalling, FeatureToolUse, FeatureJSONMode),
	},
	{
		ID: "mistral/mistral-small-latest", Provider: "mistral", Name: "Mistral Small",
		ContextWindow: 128_000, InputPrice: 0.2, OutputPrice: 0.6, MaxOutputTokens: 8192,
		Strengths: []string{"latency", "cost"},
		Features:  NewFeatureSet(FeatureFunctionCalling, FeatureJSONMode),
	},
}

// speedRank and qualityRank give the fixed order the "fastest" and
// "highest_quality" strategies sort by. Lower speedRank sorts first
// (faster); higher qualityRank sorts first (better).
var speedRank = map[string]int{
	"anthropic/claude-3-haiku-20240307":    0,
	"anthropic/claude-3-5-haiku-20241022":  1,
	"gemini/gemini-2.5-flash":              2,
	"openai/gpt-4o-mini":                   3,
	"openai/gpt-3.5-turbo":                 4,
	"mistral/mistral-small-latest":         5,
	"gemini/gemini-2.5-pro":                6,
	"gemini/gemini-1.5-pro":                6,
	"openai/gpt-4o":                        7,
	"anthropic/claude-3-5-sonnet-20241022": 8,
	"anthropic/claude-sonnet-4-6":          8,
	"mistral/mistral-large-latest":         9,
	"openai/gpt-4-turbo":                   10,
	"anthropic/claude-3-opus-20240229":     11,
	"anthropic/claude-opus-4-6":            12,
}

var qualityRank = map[string]int{
	"anthropic/claude-opus-4-6":            12,
	"anthropic/claude-sonnet-4-6":          11,
	"openai/gpt-4o":                        10,
	"gemini/gemini-2.5-pro":                9,
	"anthropic/claude-3-opus-20240229":     8,
	"anthropic/claude-3-5-sonnet-20241022": 7,
	"mistral/mistral-large-latest":         6,
	"openai/gpt-4-turbo":                   5,
	"gemini/gemini-1.5-pro":                5,
	"gemini/gemini-2.5-flash":              4,
	"openai/gpt-4o-mini":                   3,
	"anthropic/claude-3-5-haiku-20241022":  2,
	"mistral/mistral-small-latest":         1,
	"openai/gpt-3.5-turbo":                 1,
	"anthropic/claude-3-haiku-20240307":    0,
}

// SpeedRank returns the fixed speed-ordering key for id (lower is faster).
// Unknown models rank last.
func SpeedRank(id string) int {
	if r, ok := speedRank[id]; ok {
		return r
	}
	return len(speedRank) + 1
}

// QualityRank returns the fixed quality-ordering key for id (higher is
// better). Unknown models rank last.
func QualityRank(id string) int {
	if r, ok := qualityRank[id]; ok {
		return r
	}
	return -1
}
