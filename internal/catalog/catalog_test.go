package catalog

import "testing"

func testRegistry() *Registry {
	return NewRegistry(DefaultModels)
}

func TestValidateRequest_EmptyMessages(t *testing.T) {
	req := &ModelRequest{Model: "openai/gpt-4o"}
	err := ValidateRequest(req, testRegistry())
	if err == nil || err.Kind != KindInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestValidateRequest_TemperatureBoundary(t *testing.T) {
	reg := testRegistry()
	msgs := []ChatMessage{{Role: "user", Text: "hi"}}

	ok := 2.0
	req := &ModelRequest{Model: "openai/gpt-4o", Messages: msgs, Temperature: &ok}
	if err := ValidateRequest(req, reg); err != nil {
		t.Fatalf("temperature=2.0 should be accepted, got %v", err)
	}

	tooHigh := 2.0001
	req.Temperature = &tooHigh
	if err := ValidateRequest(req, reg); err == nil {
		t.Fatalf("temperature=2.0001 should be rejected")
	}
}

func TestValidateRequest_ImagePartsAreRoutable(t *testing.T) {
	reg := testRegistry()
	msgs := []ChatMessage{{Role: "user", Parts: []ContentPart{{Type: "image_url", ImageURL: &struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	}{URL: "http://example.com/x.png"}}}}}

	// A non-vision requested model passes validation: the router
	// feature-gates candidates and falls through to a vision model.
	req := &ModelRequest{Model: "openai/gpt-4-turbo", Messages: msgs}
	if err := ValidateRequest(req, reg); err != nil {
		t.Fatalf("image requests validate regardless of requested model, got %v", err)
	}
	if !req.RequiredFeatures().Has(FeatureVision) {
		t.Fatalf("image part must add vision to required features")
	}
}

func TestValidateRequest_UnknownStrategy(t *testing.T) {
	reg := testRegistry()
	req := &ModelRequest{
		Model:    "openai/gpt-4o",
		Messages: []ChatMessage{{Role: "user", Text: "hi"}},
		Route:    "not_a_strategy",
	}
	if err := ValidateRequest(req, reg); err == nil {
		t.Fatalf("expected rejection for unknown route strategy")
	}
}

func TestRequiredFeatures(t *testing.T) {
	req := &ModelRequest{
		Tools: []map[string]any{{"type": "function"}},
	}
	got := req.RequiredFeatures()
	if !got.Has(FeatureToolUse) {
		t.Fatalf("expected tool_use in required features, got %v", got)
	}
	if got.Has(FeatureVision) {
		t.Fatalf("did not expect vision in required features")
	}
}

func TestRegistryEligible(t *testing.T) {
	reg := testRegistry()
	required := NewFeatureSet(FeatureVision)
	for _, m := range reg.Eligible(required) {
		if !m.Features.Has(FeatureVision) {
			t.Fatalf("model %s returned as eligible but lacks vision", m.ID)
		}
	}
}

func TestNewerSnapshot(t *testing.T) {
	if !NewerSnapshot("anthropic/claude-opus-4-6", "anthropic/claude-opus-4-5") {
		t.Fatalf("expected 4-6 to be newer than 4-5")
	}
	if NewerSnapshot("anthropic/claude-opus-4-6", "openai/gpt-4o") {
		t.Fatalf("different families should never compare as newer")
	}
}
