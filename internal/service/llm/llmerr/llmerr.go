// Package llmerr classifies LLM provider HTTP failures into the shared
// engine.ErrorKind taxonomy so the gateway can map them to a sensible
// OpenAI-compatible status/code instead of a blanket 502, and so retrying
// node policies (internal/service/workflow's on_error/retry handling) can
// tell a transient rate limit from a permanent auth failure.
package llmerr

import (
	"fmt"
	"net/http"

	"github.com/rakunlabs/flowcore/internal/engine"
)

// ClassifyStatus maps an upstream HTTP status code to an ErrorKind.
func ClassifyStatus(code int) engine.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engine.ErrKindAuth
	case code == http.StatusNotFound:
		return engine.ErrKindNotFound
	case code == http.StatusTooManyRequests:
		return engine.ErrKindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return engine.ErrKindTimeout
	case code == http.StatusConflict:
		return engine.ErrKindConflict
	case code >= 400 && code < 500:
		return engine.ErrKindValidation
	case code >= 500:
		return engine.ErrKindUpstream
	default:
		return engine.ErrKindUpstream
	}
}

// WrapStatus builds a classified error from an upstream HTTP status code,
// the provider name, and the response body (or parsed error message).
func WrapStatus(provider string, code int, body string) error {
	return engine.NewError(ClassifyStatus(code), fmt.Sprintf("%s returned status %d: %s", provider, code, body))
}
