package tooladapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rakunlabs/flowcore/internal/engine"
)

// HTTPAdapter is the generic HTTP tool, a direct generalization of the
// http_request node's transport (nodes/action.go's httpRequestNode): one
// operation, "request", whose method/url/headers/body come from params
// instead of a node's template configuration.
type HTTPAdapter struct {
	t *transport
}

func (a *HTTPAdapter) Call(ctx context.Context, operation string, params map[string]any, cred engine.CredentialHandle) (map[string]any, error) {
	if operation != "request" {
		return nil, engine.NewError(engine.ErrKindValidation, "http: unknown operation "+operation)
	}

	url, _ := params["url"].(string)
	if url == "" {
		return nil, engine.NewError(engine.ErrKindValidation, "http: 'url' is required")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	headers := map[string]string{}
	if raw, ok := params["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	build := func(ctx context.Context, accessToken string) (*http.Request, error) {
		var bodyReader io.Reader
		if b, ok := params["body"]; ok && b != nil {
			r, err := encodeJSON(b)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			bodyReader = r
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		if b, ok := params["body"]; ok && b != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if accessToken != "" {
			authMode, _ := params["auth_mode"].(string)
			applyAuth(req, authMode, accessToken, params)
		}
		return req, nil
	}

	resp, body, err := a.t.do(ctx, limiterKey("http", cred), cred, build)
	return responseResult(resp, body), err
}

// applyAuth attaches the resolved credential to the outbound request
// according to auth_mode: "bearer" (default), "api_key" (header name from
// params["api_key_header"], default "X-Api-Key"), or "basic" (accessToken
// used as the username, params["basic_password"] as the password).
func applyAuth(req *http.Request, mode, accessToken string, params map[string]any) {
	switch mode {
	case "api_key":
		header, _ := params["api_key_header"].(string)
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, accessToken)
	case "basic":
		password, _ := params["basic_password"].(string)
		req.SetBasicAuth(accessToken, password)
	case "none":
		// credential resolved but caller opted out of attaching it
	default:
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

func responseResult(resp *http.Response, body []byte) map[string]any {
	out := map[string]any{}
	if resp == nil {
		return out
	}
	out["status_code"] = resp.StatusCode
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out["headers"] = headers

	var parsed any
	if decodeJSON(body, &parsed) == nil && parsed != nil {
		out["body"] = parsed
	} else {
		out["body"] = string(body)
	}
	return out
}
