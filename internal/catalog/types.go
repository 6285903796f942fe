// Package catalog holds the model registry, the shared request/response
// shapes that flow through the gateway core, and the request validator.
//
// The registry is built once at startup from a static model list and is
// read-only for the lifetime of the process, matching the "process-wide
// read-only mapping" contract the rest of the core relies on.
package catalog

import "strings"

// Feature is one capability bit a model may advertise.
type Feature string

const (
	FeatureVision          Feature = "vision"
	FeatureFunctionCalling Feature = "function_calling"
	FeatureToolUse         Feature = "tool_use"
	FeatureJSONMode        Feature = "json_mode"
)

// FeatureSet is a small unordered set of Feature values.
type FeatureSet map[Feature]struct{}

// NewFeatureSet builds a FeatureSet from the given features.
func NewFeatureSet(fs ...Feature) FeatureSet {
	s := make(FeatureSet, len(fs))
	for _, f := range fs {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is present in the set.
func (s FeatureSet) Has(f Feature) bool {
	_, ok := s[f]
	return ok
}

// Superset reports whether s contains every feature in required.
func (s FeatureSet) Superset(required FeatureSet) bool {
	for f := range required {
		if !s.Has(f) {
			return false
		}
	}
	return true
}

// RouteStrategy selects how the router orders candidates for a request.
type RouteStrategy string

const (
	RouteDefault        RouteStrategy = "default"
	RouteFallback       RouteStrategy = "fallback"
	RouteLowestCost     RouteStrategy = "lowest_cost"
	RouteFastest        RouteStrategy = "fastest"
	RouteHighestQuality RouteStrategy = "highest_quality"
)

// ParseRouteStrategy validates a raw string against the closed strategy set.
// An empty string is treated as RouteDefault.
func ParseRouteStrategy(raw string) (RouteStrategy, bool) {
	if raw == "" {
		return RouteDefault, true
	}
	switch RouteStrategy(raw) {
	case RouteDefault, RouteFallback, RouteLowestCost, RouteFastest, RouteHighestQuality:
		return RouteStrategy(raw), true
	default:
		return "", false
	}
}

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	} `json:"image_url,omitempty"`
}

// ChatMessage is a single conversation turn. Content is either a plain
// string (Text set, Parts nil) or an ordered list of parts.
type ChatMessage struct {
	Role       string        `json:"role"`
	Text       string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"-"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// HasImage reports whether the message carries at least one image part.
func (m ChatMessage) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// PlainText returns the message content as a single string, joining parts
// when the message is multi-part.
func (m ChatMessage) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ResponseFormat mirrors the OpenAI response_format knob.
type ResponseFormat struct {
	Type string `json:"type,omitempty"` // "text" | "json_object"
}

// ModelRequest is the normalized chat-completion request the core operates on.
type ModelRequest struct {
	Model            string           `json:"model"`
	Messages         []ChatMessage    `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	Functions        []map[string]any `json:"functions,omitempty"`
	FunctionCall     map[string]any   `json:"function_call,omitempty"`
	Tools            []map[string]any `json:"tools,omitempty"`
	ResponseFormat   *ResponseFormat  `json:"response_format,omitempty"`

	// Routing controls.
	Route     RouteStrategy `json:"route,omitempty"`
	Fallbacks []string      `json:"fallbacks,omitempty"`

	// EndpointID, when set, names a CustomEndpoint preset to merge in before
	// validation. Not part of the OpenAI wire shape; carried separately by
	// the framing layer.
	EndpointID string `json:"-"`
}

// RequiredFeatures derives the feature set a candidate model must satisfy
// to serve req, per the router's feature-gating rule.
func (r *ModelRequest) RequiredFeatures() FeatureSet {
	req := FeatureSet{}
	for _, m := range r.Messages {
		if m.HasImage() {
			req[FeatureVision] = struct{}{}
		}
	}
	if len(r.Functions) > 0 || r.FunctionCall != nil {
		req[FeatureFunctionCalling] = struct{}{}
	}
	if len(r.Tools) > 0 {
		req[FeatureToolUse] = struct{}{}
	}
	if r.ResponseFormat != nil && r.ResponseFormat.Type == "json_object" {
		req[FeatureJSONMode] = struct{}{}
	}
	return req
}

// Choice is one completion alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ResponseUsage carries token accounting for a single response.
type ResponseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is the OpenAI-shaped response the core returns.
type ModelResponse struct {
	ID            string        `json:"id"`
	Object        string        `json:"object"`
	Created       int64         `json:"created"`
	Model         string        `json:"model"`
	Choices       []Choice      `json:"choices"`
	Usage         ResponseUsage `json:"usage"`
	RoutedThrough string        `json:"routed_through"`
}

// ModelInfo is an immutable catalog entry for one routable model.
type ModelInfo struct {
	ID              string // "provider/name"
	Provider        string
	Name            string
	ContextWindow   int
	InputPrice      float64 // USD per 1e6 input tokens
	OutputPrice     float64 // USD per 1e6 output tokens
	MaxOutputTokens int
	Strengths       []string
	Features        FeatureSet
}

// CombinedPrice is the sort key for the lowest_cost strategy.
func (m ModelInfo) CombinedPrice() float64 {
	return m.InputPrice + m.OutputPrice
}
