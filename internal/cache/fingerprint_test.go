package cache

import (
	"context"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

func reqWithText(model, text string) *catalog.ModelRequest {
	return &catalog.ModelRequest{
		Model:    model,
		Messages: []catalog.ChatMessage{{Role: "user", Text: text}},
	}
}

func TestResponseCache_SetThenGet(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()

	rc := NewResponseCache(mem, Policy{TTL: time.Minute})
	req := reqWithText("openai/gpt-4o", "hello")

	resp := catalog.ModelResponse{ID: "resp_1", Model: "openai/gpt-4o"}
	if err := rc.Set(context.Background(), req, "openai/gpt-4o", resp, catalog.ResponseUsage{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok := rc.Get(context.Background(), req)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.Response.ID != "resp_1" {
		t.Fatalf("got wrong cached response: %+v", entry.Response)
	}
}

func TestResponseCache_ExpiresAfterTTL(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()

	rc := NewResponseCache(mem, Policy{TTL: 10 * time.Millisecond})
	req := reqWithText("openai/gpt-4o", "hello")
	_ = rc.Set(context.Background(), req, "openai/gpt-4o", catalog.ModelResponse{}, catalog.ResponseUsage{})

	time.Sleep(30 * time.Millisecond)

	if _, ok := rc.Get(context.Background(), req); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestResponseCache_StreamBypasses(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()

	rc := NewResponseCache(mem, Policy{})
	req := reqWithText("openai/gpt-4o", "hello")
	req.Stream = true

	if err := rc.Set(context.Background(), req, "openai/gpt-4o", catalog.ModelResponse{}, catalog.ResponseUsage{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := rc.Get(context.Background(), req); ok {
		t.Fatal("streaming requests must never be cached")
	}
}

func TestResponseCache_ExactKeyingOrderIndependent(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()
	rc := NewResponseCache(mem, Policy{Strategy: KeyExact})

	a := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "system", Text: "sys"},
		{Role: "user", Text: "hi"},
	}}
	b := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "user", Text: "hi"},
		{Role: "system", Text: "sys"},
	}}
	if rc.Fingerprint(a) != rc.Fingerprint(b) {
		t.Fatal("exact keying should be independent of message order")
	}
}

func TestResponseCache_ExactKeyingIncludesToolCallID(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()
	rc := NewResponseCache(mem, Policy{Strategy: KeyExact})

	a := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "tool", Text: "42", ToolCallID: "call_1"},
	}}
	b := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "tool", Text: "42", ToolCallID: "call_2"},
	}}
	if rc.Fingerprint(a) == rc.Fingerprint(b) {
		t.Fatal("requests differing only in tool_call_id must not collide")
	}

	c := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "user", Text: "hi", Name: "alice"},
	}}
	d := &catalog.ModelRequest{Model: "m", Messages: []catalog.ChatMessage{
		{Role: "user", Text: "hi", Name: "bob"},
	}}
	if rc.Fingerprint(c) == rc.Fingerprint(d) {
		t.Fatal("requests differing only in message name must not collide")
	}
}

func TestResponseCache_SemanticKeyingTrimsAndLowercases(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()
	rc := NewResponseCache(mem, Policy{Strategy: KeySemantic})

	a := reqWithText("m", "  Hello There  ")
	b := reqWithText("m", "hello there")
	if rc.Fingerprint(a) != rc.Fingerprint(b) {
		t.Fatal("semantic keying should lowercase and trim whitespace")
	}
}

func TestResponseCache_InvalidateByModel(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	defer mem.Close()
	rc := NewResponseCache(mem, Policy{})

	req1 := reqWithText("openai/gpt-4o", "one")
	req2 := reqWithText("anthropic/claude-3-opus-20240229", "two")
	_ = rc.Set(context.Background(), req1, "openai/gpt-4o", catalog.ModelResponse{}, catalog.ResponseUsage{})
	_ = rc.Set(context.Background(), req2, "anthropic/claude-3-opus-20240229", catalog.ModelResponse{}, catalog.ResponseUsage{})

	n, err := rc.Invalidate(context.Background(), "openai/gpt-4o")
	if err != nil || n != 1 {
		t.Fatalf("expected to invalidate 1 entry, got n=%d err=%v", n, err)
	}
	if _, ok := rc.Get(context.Background(), req1); ok {
		t.Fatal("expected req1 to be invalidated")
	}
	if _, ok := rc.Get(context.Background(), req2); !ok {
		t.Fatal("expected req2 to remain cached")
	}
}
