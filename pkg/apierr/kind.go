package apierr

import (
	"github.com/valyala/fasthttp"

	"github.com/latticeai/gateway/internal/catalog"
)

// StatusOf maps a core error kind to its HTTP status.
func StatusOf(kind catalog.ErrorKind) int {
	switch kind {
	case catalog.KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case catalog.KindNotFound:
		return fasthttp.StatusNotFound
	case catalog.KindNoModelAvailable:
		return fasthttp.StatusServiceUnavailable
	case catalog.KindUpstreamError:
		return fasthttp.StatusBadGateway
	case catalog.KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	case catalog.KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case catalog.KindCancelled:
		return 499 // client closed request
	default:
		return fasthttp.StatusInternalServerError
	}
}

func typeOf(kind catalog.ErrorKind) string {
	switch kind {
	case catalog.KindInvalidRequest, catalog.KindNotFound:
		return TypeInvalidRequest
	case catalog.KindRateLimited:
		return TypeRateLimitError
	case catalog.KindUpstreamError, catalog.KindUpstreamTimeout, catalog.KindNoModelAvailable:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// WriteKind writes a core error in the OpenAI error envelope, with
// Retry-After set for rate-limit kinds.
func WriteKind(ctx *fasthttp.RequestCtx, err *catalog.Error) {
	if err.Kind == catalog.KindRateLimited {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, StatusOf(err.Kind), err.Message, typeOf(err.Kind), string(err.Kind))
}
