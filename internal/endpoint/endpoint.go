// Package endpoint implements named request presets ("custom endpoints")
// and the rewriter that merges a preset into an incoming request.
package endpoint

import (
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// Defaults holds the sampling knobs a CustomEndpoint applies when the
// caller did not supply their own value.
type Defaults struct {
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	MaxTokens        *int
}

// CustomEndpoint is a named preset that can be merged into an incoming
// request. Only Owner may mutate or delete it; it is visible to other
// callers only when IsPublic.
type CustomEndpoint struct {
	ID              string
	Owner           string
	Name            string
	BaseModel       string
	Fallbacks       []string
	RoutingStrategy catalog.RouteStrategy
	Defaults        Defaults
	SystemPrompt    string
	IsPublic        bool
	RateLimitRPM    int // deployment policy; the core does not enforce this itself
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// accessible reports whether caller may read ep.
func (ep *CustomEndpoint) accessible(caller string) bool {
	return ep.Owner == caller || ep.IsPublic
}

// Rewrite produces a new ModelRequest by merging ep into req, caller's
// explicit values taking precedence over the preset. req is never mutated.
//
// Rewrite is idempotent: Rewrite(Rewrite(r, ep), ep) == Rewrite(r, ep),
// because every step either always re-applies the same endpoint-derived
// value (model, route) or only fills in a gap that the first pass already
// closed (fallbacks, system prompt, sampling defaults).
func Rewrite(req *catalog.ModelRequest, ep *CustomEndpoint) *catalog.ModelRequest {
	out := *req
	out.Messages = append([]catalog.ChatMessage{}, req.Messages...)
	out.Fallbacks = append([]string{}, req.Fallbacks...)

	// 1. model/route always come from the preset.
	out.Model = ep.BaseModel
	out.Route = ep.RoutingStrategy

	// 2. fallbacks: caller's list wins if non-empty.
	if len(out.Fallbacks) == 0 {
		out.Fallbacks = append([]string{}, ep.Fallbacks...)
	}

	// 3. system prompt: prepend only if the caller supplied no system message.
	if ep.SystemPrompt != "" && !hasSystemMessage(out.Messages) {
		out.Messages = append([]catalog.ChatMessage{
			{Role: "system", Text: ep.SystemPrompt},
		}, out.Messages...)
	}

	// 4. sampling knobs: caller's value wins when present.
	if out.Temperature == nil {
		out.Temperature = ep.Defaults.Temperature
	}
	if out.TopP == nil {
		out.TopP = ep.Defaults.TopP
	}
	if out.FrequencyPenalty == nil {
		out.FrequencyPenalty = ep.Defaults.FrequencyPenalty
	}
	if out.PresencePenalty == nil {
		out.PresencePenalty = ep.Defaults.PresencePenalty
	}
	if out.MaxTokens == nil {
		out.MaxTokens = ep.Defaults.MaxTokens
	}

	return &out
}

func hasSystemMessage(msgs []catalog.ChatMessage) bool {
	for _, m := range msgs {
		if m.Role == "system" {
			return true
		}
	}
	return false
}
