package tooladapter

import (
	"context"
	"strings"

	"github.com/slack-go/slack"

	"github.com/rakunlabs/flowcore/internal/engine"
)

// slackAdapter wraps the ecosystem's slack-go/slack client instead of
// hand-rolling REST calls — the standard choice for this provider, per
// spec.md §4.4's per-provider grounding (no Slack client exists among the
// teacher's own dependencies, but it's a dependency of sibling pack repos).
// It applies the same per-(user, provider) concurrency cap and
// refresh-and-retry-once behavior as the HTTP-based adapters, adapted to the
// client's own call shape instead of transport.do's raw *http.Request build.
type slackAdapter struct {
	t *transport
}

func newSlackAdapter(t *transport) *slackAdapter { return &slackAdapter{t: t} }

func (a *slackAdapter) Call(ctx context.Context, operation string, params map[string]any, cred engine.CredentialHandle) (map[string]any, error) {
	release, err := a.t.limiter.acquire(ctx, limiterKey("slack", cred))
	if err != nil {
		return nil, engine.WrapError(engine.ErrKindCanceled, "slack: acquire concurrency slot", err)
	}
	defer release()

	tokHandle, _ := cred.(tokenHandle)
	accessToken := ""
	if tokHandle != nil {
		accessToken = tokHandle.AccessToken()
	}

	refreshedOnce := false
	for attempt := 1; attempt <= maxRetryAttempts; {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		client := slack.New(accessToken, slack.OptionHTTPClient(a.t.client.HTTP))

		out, callErr := a.dispatch(attemptCtx, client, operation, params)
		cancel()

		if callErr == nil {
			return out, nil
		}

		if classified, ok := callErr.(*engine.Error); ok {
			return nil, classified
		}

		if isAuthError(callErr) && !refreshedOnce {
			refresher, ok := cred.(refreshableHandle)
			if !ok {
				return nil, engine.WrapError(engine.ErrKindAuth, "slack: unauthorized, no refresher available", callErr)
			}
			newToken, rerr := refresher.ForceRefresh(ctx)
			if rerr != nil {
				return nil, engine.WrapError(engine.ErrKindAuth, "slack: refresh credential", rerr)
			}
			accessToken = newToken
			refreshedOnce = true
			continue
		}

		if isRateLimitError(callErr) && attempt < maxRetryAttempts {
			sleep(ctx, retryBackoff[attempt-1])
			attempt++
			continue
		}

		if isTransientError(callErr) && attempt < maxRetryAttempts {
			sleep(ctx, retryBackoff[attempt-1])
			attempt++
			continue
		}

		return nil, engine.WrapError(engine.ErrKindUpstream, "slack: "+operation, callErr)
	}

	return nil, engine.NewError(engine.ErrKindUpstream, "slack: retries exhausted")
}

func (a *slackAdapter) dispatch(ctx context.Context, client *slack.Client, operation string, params map[string]any) (map[string]any, error) {
	switch operation {
	case "post_message":
		channel, _ := params["channel"].(string)
		text, _ := params["text"].(string)
		if channel == "" || text == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "slack: 'channel' and 'text' are required for post_message")
		}
		_, timestamp, err := client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
		if err != nil {
			return nil, err
		}
		return map[string]any{"channel": channel, "timestamp": timestamp}, nil

	case "list_channels":
		channels, _, err := client.GetConversationsContext(ctx, &slack.GetConversationsParameters{
			ExcludeArchived: true,
			Limit:           200,
		})
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(channels))
		for _, c := range channels {
			out = append(out, map[string]any{"id": c.ID, "name": c.Name, "is_private": c.IsPrivate})
		}
		return map[string]any{"channels": out}, nil

	case "get_user":
		userID, _ := params["user_id"].(string)
		if userID == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "slack: 'user_id' is required for get_user")
		}
		user, err := client.GetUserInfoContext(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"id":        user.ID,
			"name":      user.Name,
			"real_name": user.RealName,
			"email":     user.Profile.Email,
		}, nil

	default:
		return nil, engine.NewError(engine.ErrKindValidation, "slack: unknown operation "+operation)
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_authed") || strings.Contains(msg, "token_expired") || strings.Contains(msg, "account_inactive")
}

func isRateLimitError(err error) bool {
	_, ok := err.(*slack.RateLimitedError)
	return ok || strings.Contains(err.Error(), "rate_limited") || strings.Contains(err.Error(), "ratelimited")
}

func isTransientError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") || strings.Contains(msg, "temporarily_unavailable")
}
