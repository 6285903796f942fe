package catalog

import "fmt"

// ErrorKind is a closed set of error categories propagated to the framing
// layer, which maps them to HTTP status codes.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "INVALID_REQUEST"
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindNoModelAvailable ErrorKind = "NO_MODEL_AVAILABLE"
	KindUpstreamError    ErrorKind = "UPSTREAM_ERROR"
	KindUpstreamTimeout  ErrorKind = "UPSTREAM_TIMEOUT"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindCancelled        ErrorKind = "CANCELLED"
	KindInternal         ErrorKind = "INTERNAL"
)

// Error is the typed result the core returns instead of using exceptions
// for control flow. The router's candidate loop inspects Kind directly
// rather than unwinding a panic.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidateRequest checks req against the range and shape rules in the data
// model. Validation is pure (no I/O) and total — every failure path is
// explicit and returns a *Error with Kind == KindInvalidRequest.
func ValidateRequest(req *ModelRequest, reg *Registry) *Error {
	if req == nil {
		return newErr(KindInvalidRequest, "request is nil")
	}
	if req.Model == "" {
		return newErr(KindInvalidRequest, "model is required")
	}
	// An unrecognized model id is not itself a validation failure — the
	// router falls through to eligible models. Any non-empty model id,
	// "auto" and unknown ids included, passes this point unchanged.
	if len(req.Messages) == 0 {
		return newErr(KindInvalidRequest, "messages must be non-empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return newErr(KindInvalidRequest, "messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return newErr(KindInvalidRequest, "temperature must be within [0,2], got %v", *req.Temperature)
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return newErr(KindInvalidRequest, "top_p must be within [0,1], got %v", *req.TopP)
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return newErr(KindInvalidRequest, "frequency_penalty must be within [-2,2], got %v", *req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return newErr(KindInvalidRequest, "presence_penalty must be within [-2,2], got %v", *req.PresencePenalty)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return newErr(KindInvalidRequest, "max_tokens must be > 0, got %v", *req.MaxTokens)
	}
	if _, ok := ParseRouteStrategy(string(req.Route)); !ok {
		return newErr(KindInvalidRequest, "route: unknown strategy %q", req.Route)
	}

	// Image parts are only valid when served by a vision model. That is a
	// routing constraint, not a validation failure: the router feature-gates
	// candidates, so a non-vision requested model falls through to an
	// eligible one rather than rejecting the request here.
	return nil
}
