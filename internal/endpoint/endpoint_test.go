package endpoint

import (
	"testing"

	"github.com/latticeai/gateway/internal/catalog"
)

func TestRewrite_Idempotent(t *testing.T) {
	temp := 0.4
	ep := &CustomEndpoint{
		BaseModel:       "anthropic/claude-3-opus-20240229",
		RoutingStrategy: catalog.RouteFallback,
		Fallbacks:       []string{"openai/gpt-4o"},
		SystemPrompt:    "be terse",
		Defaults:        Defaults{Temperature: &temp},
	}
	req := &catalog.ModelRequest{
		Model:    "ignored",
		Messages: []catalog.ChatMessage{{Role: "user", Text: "hi"}},
	}

	once := Rewrite(req, ep)
	twice := Rewrite(once, ep)

	if once.Model != twice.Model || once.Route != twice.Route {
		t.Fatalf("model/route not idempotent: %+v vs %+v", once, twice)
	}
	if len(once.Messages) != len(twice.Messages) {
		t.Fatalf("system prompt prepended twice: %+v vs %+v", once.Messages, twice.Messages)
	}
	if *once.Temperature != *twice.Temperature {
		t.Fatalf("temperature not idempotent: %v vs %v", *once.Temperature, *twice.Temperature)
	}
}

func TestRewrite_CallerFallbacksWin(t *testing.T) {
	ep := &CustomEndpoint{BaseModel: "m", Fallbacks: []string{"preset-fb"}}
	req := &catalog.ModelRequest{Fallbacks: []string{"caller-fb"}, Messages: []catalog.ChatMessage{{Role: "user", Text: "hi"}}}

	out := Rewrite(req, ep)
	if len(out.Fallbacks) != 1 || out.Fallbacks[0] != "caller-fb" {
		t.Fatalf("expected caller fallbacks to win, got %v", out.Fallbacks)
	}
}

func TestRewrite_NoSystemPromptWhenCallerSuppliedOne(t *testing.T) {
	ep := &CustomEndpoint{BaseModel: "m", SystemPrompt: "preset prompt"}
	req := &catalog.ModelRequest{Messages: []catalog.ChatMessage{
		{Role: "system", Text: "caller prompt"},
		{Role: "user", Text: "hi"},
	}}

	out := Rewrite(req, ep)
	if len(out.Messages) != 2 {
		t.Fatalf("expected no prepended system message, got %+v", out.Messages)
	}
	if out.Messages[0].Text != "caller prompt" {
		t.Fatalf("caller's system message should be preserved, got %q", out.Messages[0].Text)
	}
}

func TestStore_OwnershipAndVisibility(t *testing.T) {
	s := NewStore()
	priv := s.Create("alice", CustomEndpoint{Name: "priv", BaseModel: "m"})
	pub := s.Create("alice", CustomEndpoint{Name: "pub", BaseModel: "m", IsPublic: true})

	if _, err := s.Get(priv.ID, "bob"); err == nil {
		t.Fatal("bob should not see alice's private endpoint")
	}
	if _, err := s.Get(pub.ID, "bob"); err != nil {
		t.Fatalf("bob should see alice's public endpoint: %v", err)
	}
	if err := s.Delete(pub.ID, "bob"); err == nil {
		t.Fatal("bob must not be able to delete alice's endpoint even if public")
	}
	if err := s.Delete(pub.ID, "alice"); err != nil {
		t.Fatalf("alice should be able to delete her own endpoint: %v", err)
	}
}
