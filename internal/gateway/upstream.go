package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latticeai/gateway/internal/catalog"
	"github.com/latticeai/gateway/internal/providers"
	"github.com/latticeai/gateway/internal/router"
)

// providerAdapter bridges one provider client to the router's
// UpstreamAdapter capability. The catalog speaks namespaced ids
// ("openai/gpt-4o"); providers expect the bare model name, so the
// namespace is stripped at this boundary.
type providerAdapter struct {
	prov providers.Provider
}

// Adapters wraps every configured provider client as an UpstreamAdapter,
// keyed by provider name.
func Adapters(provs map[string]providers.Provider) map[string]router.UpstreamAdapter {
	out := make(map[string]router.UpstreamAdapter, len(provs))
	for name, p := range provs {
		out[name] = &providerAdapter{prov: p}
	}
	return out
}

func bareModel(id string) string {
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Available probes the provider's health endpoint within timeout. The
// probe is provider-level: a reachable provider is assumed able to serve
// any of its catalog models.
func (a *providerAdapter) Available(ctx context.Context, _ string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.prov.HealthCheck(probeCtx) == nil
}

// Complete dispatches a non-streaming request and reshapes the provider
// response into the OpenAI envelope.
func (a *providerAdapter) Complete(ctx context.Context, modelID string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	resp, err := a.prov.Request(ctx, a.toProxyRequest(modelID, req, false))
	if err != nil {
		return nil, classifyUpstream(ctx, err)
	}

	out := &catalog.ModelResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []catalog.Choice{
			{
				Index:        0,
				Message:      catalog.ChatMessage{Role: "assistant", Text: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: catalog.ResponseUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		RoutedThrough: modelID,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	return out, nil
}

// Stream dispatches a streaming request and converts the provider's chunk
// channel into router deltas. Closing ctx stops the conversion goroutine;
// the provider observes the same ctx and tears down its own stream.
func (a *providerAdapter) Stream(ctx context.Context, modelID string, req *catalog.ModelRequest) (<-chan router.StreamDelta, *catalog.Error) {
	resp, err := a.prov.Request(ctx, a.toProxyRequest(modelID, req, true))
	if err != nil {
		return nil, classifyUpstream(ctx, err)
	}
	if resp.Stream == nil {
		// Provider answered synchronously; surface it as a one-delta stream.
		ch := make(chan router.StreamDelta, 2)
		ch <- router.StreamDelta{Content: resp.Content}
		ch <- router.StreamDelta{FinishReason: "stop"}
		close(ch)
		return ch, nil
	}

	out := make(chan router.StreamDelta)
	go func() {
		defer close(out)
		for chunk := range resp.Stream {
			delta := router.StreamDelta{Content: chunk.Content, FinishReason: chunk.FinishReason}
			select {
			case out <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// toProxyRequest flattens the neutral request into the provider-facing
// shape. Multi-part message bodies collapse to their text parts — image
// passthrough is a per-provider translation concern handled inside the
// adapters that support it.
func (a *providerAdapter) toProxyRequest(modelID string, req *catalog.ModelRequest, stream bool) *providers.ProxyRequest {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.PlainText()}
	}
	out := &providers.ProxyRequest{
		Model:    bareModel(modelID),
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

// classifyUpstream maps a provider error to the closed error-kind set the
// router's candidate loop iterates on.
func classifyUpstream(ctx context.Context, err error) *catalog.Error {
	if ctx.Err() == context.Canceled {
		return &catalog.Error{Kind: catalog.KindCancelled, Message: "request cancelled"}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &catalog.Error{Kind: catalog.KindUpstreamTimeout, Message: err.Error()}
	}
	return &catalog.Error{Kind: catalog.KindUpstreamError, Message: err.Error()}
}
