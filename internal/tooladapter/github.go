package tooladapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rakunlabs/flowcore/internal/engine"
)

const githubBaseURL = "https://api.github.com"

// githubAdapter talks to GitHub's REST API over the shared transport. The
// request shape (explicit Accept header, explicit status handling) follows
// the house style auth_device.go already uses for requestDeviceCode and
// pollAccessToken, generalized here to create_issue, list_issues,
// add_comment and get_repo.
type githubAdapter struct {
	t *transport
}

func newGitHubAdapter(t *transport) *githubAdapter { return &githubAdapter{t: t} }

func (a *githubAdapter) Call(ctx context.Context, operation string, params map[string]any, cred engine.CredentialHandle) (map[string]any, error) {
	owner, _ := params["owner"].(string)
	repo, _ := params["repo"].(string)
	if owner == "" || repo == "" {
		return nil, engine.NewError(engine.ErrKindValidation, "github: 'owner' and 'repo' are required")
	}

	var (
		method string
		path   string
		body   any
	)

	switch operation {
	case "get_repo":
		method = http.MethodGet
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)

	case "list_issues":
		method = http.MethodGet
		q := url.Values{}
		if state, ok := params["state"].(string); ok && state != "" {
			q.Set("state", state)
		}
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/issues"
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}

	case "create_issue":
		title, _ := params["title"].(string)
		if title == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "github: 'title' is required for create_issue")
		}
		method = http.MethodPost
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/issues"
		body = map[string]any{"title": title, "body": params["body"], "labels": params["labels"]}

	case "add_comment":
		issueNumber, ok := params["issue_number"]
		if !ok {
			return nil, engine.NewError(engine.ErrKindValidation, "github: 'issue_number' is required for add_comment")
		}
		comment, _ := params["comment"].(string)
		if comment == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "github: 'comment' is required for add_comment")
		}
		method = http.MethodPost
		path = fmt.Sprintf("/repos/%s/%s/issues/%v/comments", url.PathEscape(owner), url.PathEscape(repo), issueNumber)
		body = map[string]any{"body": comment}

	default:
		return nil, engine.NewError(engine.ErrKindValidation, "github: unknown operation "+operation)
	}

	build := func(ctx context.Context, accessToken string) (*http.Request, error) {
		var bodyReader io.Reader
		if body != nil {
			r, err := encodeJSON(body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			bodyReader = r
		}
		req, err := http.NewRequestWithContext(ctx, method, githubBaseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	}

	resp, respBody, err := a.t.do(ctx, limiterKey("github", cred), cred, build)
	return responseResult(resp, respBody), err
}
