// Package router picks the upstream model a validated request should be
// dispatched to: it applies feature gating, orders candidates according to
// the request's routing strategy, and probes each candidate's health until
// it finds one that is eligible and reachable.
package router

import (
	"context"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// StreamDelta is one chunk of a streamed completion.
type StreamDelta struct {
	Content      string
	FinishReason string
	Err          *catalog.Error
}

// UpstreamAdapter is the per-provider capability the router dispatches
// through. Implementations translate the neutral ModelRequest into a
// provider-native call and translate the result back.
type UpstreamAdapter interface {
	// Available probes whether modelID can currently serve requests. The
	// probe must be bounded by timeout.
	Available(ctx context.Context, modelID string, timeout time.Duration) bool

	// Complete dispatches a non-streaming request to modelID.
	Complete(ctx context.Context, modelID string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error)

	// Stream dispatches a streaming request to modelID, returning a channel
	// of deltas that is closed when the stream ends or ctx is cancelled.
	Stream(ctx context.Context, modelID string, req *catalog.ModelRequest) (<-chan StreamDelta, *catalog.Error)
}
