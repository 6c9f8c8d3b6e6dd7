// Package tooladapter implements the uniform call surface every external
// integration (google_calendar, github, slack, generic HTTP) is dispatched
// through, built on the same klient.Client transport the teacher's
// http_request node uses, with retry/backoff and credential-refresh coupling
// layered on top (spec.md §4.4).
package tooladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/flowcore/internal/config"
	"github.com/rakunlabs/flowcore/internal/engine"
)

// tokenHandle and refreshableHandle are the capabilities adapters type-assert
// an engine.CredentialHandle against. internal/credential's handle type
// implements both by method shape alone — this package never imports
// internal/credential, so the dependency between the two runs one way,
// through the engine.CredentialHandle interface.
type tokenHandle interface {
	AccessToken() string
}

type refreshableHandle interface {
	ForceRefresh(ctx context.Context) (string, error)
}

const (
	connectTimeout  = 5 * time.Second
	readTimeout     = 30 * time.Second
	attemptTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20 // 10 MiB

	maxRetryAttempts = 3
	maxRetryWait     = 30 * time.Second
)

var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// limiter caps concurrent in-flight calls per (user, provider) with a
// buffered channel semaphore, the same idiom the teacher uses for its
// worker pools elsewhere in the codebase.
type limiter struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	size  int
}

func newLimiter(size int) *limiter {
	if size <= 0 {
		size = 10
	}
	return &limiter{slots: make(map[string]chan struct{}), size: size}
}

func (l *limiter) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, l.size)
		l.slots[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry resolves a provider name to its ToolAdapter, matching
// engine.ToolAdapterRegistry.
type Registry struct {
	adapters map[string]engine.ToolAdapter
}

// NewRegistry builds the fixed provider -> adapter map from cfg, sharing one
// concurrency limiter and one klient-backed transport across every adapter.
func NewRegistry(cfg config.ToolAdapter) (*Registry, error) {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true), // tooladapter owns retry/backoff itself
	)
	if err != nil {
		return nil, fmt.Errorf("tooladapter: build transport: %w", err)
	}

	lim := newLimiter(cfg.MaxConcurrentPerProvider)
	t := &transport{client: client, limiter: lim}

	adapters := map[string]engine.ToolAdapter{
		"http":            &HTTPAdapter{t: t},
		"google_calendar": newCalendarAdapter(t),
		"github":          newGitHubAdapter(t),
		"slack":           newSlackAdapter(t),
	}

	return &Registry{adapters: adapters}, nil
}

// Resolve matches engine.ToolAdapterRegistry.
func (r *Registry) Resolve(provider string) (engine.ToolAdapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, engine.NewError(engine.ErrKindNotFound, "tooladapter: no adapter for provider "+provider)
	}
	return a, nil
}

// transport is the shared request executor every per-provider adapter calls
// into: it applies the per-(user, provider) concurrency cap, the
// retry/backoff policy, the response-size cap, and the refresh-and-retry-once
// auth recovery.
type transport struct {
	client  *klient.Client
	limiter *limiter
}

// requestFunc builds a fresh *http.Request for one attempt, given the
// current bearer token — called again on a refresh-and-retry so the new
// token makes it onto the Authorization header.
type requestFunc func(ctx context.Context, accessToken string) (*http.Request, error)

// do executes req through the shared client under the per-(user, provider)
// concurrency cap, retrying transient failures with exponential backoff and
// refreshing the credential once on a 401/403 before giving up.
//
// Retry rule (spec.md §4.4): network errors, 5xx and 429 are retried up to
// maxRetryAttempts times with backoff 2s/4s/8s; a 429 with a Retry-After
// header waits that long instead, capped at maxRetryWait. Any other 4xx
// (save 401/403/408/429) is never retried.
func (t *transport) do(ctx context.Context, limiterKey string, cred engine.CredentialHandle, build requestFunc) (*http.Response, []byte, error) {
	release, err := t.limiter.acquire(ctx, limiterKey)
	if err != nil {
		return nil, nil, engine.WrapError(engine.ErrKindCanceled, "tooladapter: acquire concurrency slot", err)
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
		req, err := build(attemptCtx, accessToken)
		if err != nil {
			cancel()
			return nil, nil, engine.WrapError(engine.ErrKindValidation, "tooladapter: build request", err)
		}

		resp, body, err := t.doOnce(attemptCtx, req)
		cancel()

		if err != nil {
			if attempt < maxRetryAttempts {
				sleep(ctx, retryBackoff[attempt-1])
				attempt++
				continue
			}
			return nil, nil, engine.WrapError(engine.ErrKindUpstream, "tooladapter: request failed", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if refreshedOnce {
				return resp, body, engine.NewError(engine.ErrKindAuth, "tooladapter: credential invalid after refresh")
			}
			refresher, ok := cred.(refreshableHandle)
			if !ok {
				return resp, body, engine.NewError(engine.ErrKindAuth, "tooladapter: unauthorized, no refresher available")
			}
			newToken, rerr := refresher.ForceRefresh(ctx)
			if rerr != nil {
				return resp, body, engine.WrapError(engine.ErrKindAuth, "tooladapter: refresh credential", rerr)
			}
			accessToken = newToken
			refreshedOnce = true
			continue // retry immediately with the new token, doesn't count against maxRetryAttempts

		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt == maxRetryAttempts {
				return resp, body, engine.NewError(engine.ErrKindRateLimited, "tooladapter: rate limited")
			}
			sleep(ctx, retryAfter(resp, retryBackoff[attempt-1]))
			attempt++
			continue

		case resp.StatusCode == http.StatusRequestTimeout:
			if attempt == maxRetryAttempts {
				return resp, body, engine.NewError(engine.ErrKindTimeout, "tooladapter: request timeout")
			}
			sleep(ctx, retryBackoff[attempt-1])
			attempt++
			continue

		case resp.StatusCode >= 500:
			if attempt == maxRetryAttempts {
				return resp, body, engine.NewError(engine.ErrKindUpstream, fmt.Sprintf("tooladapter: upstream status %d", resp.StatusCode))
			}
			sleep(ctx, retryBackoff[attempt-1])
			attempt++
			continue

		case resp.StatusCode >= 400:
			return resp, body, engine.NewError(errKindForStatus(resp.StatusCode), fmt.Sprintf("tooladapter: upstream status %d", resp.StatusCode))

		default:
			return resp, body, nil
		}
	}

	return nil, nil, engine.NewError(engine.ErrKindUpstream, "tooladapter: retries exhausted")
}

func (t *transport) doOnce(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, err := t.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return resp, nil, err
	}
	if len(body) > maxResponseSize {
		return resp, nil, fmt.Errorf("response body exceeds %d bytes", maxResponseSize)
	}
	return resp, body, nil
}

// errKindForStatus classifies a non-retried 4xx (everything except
// 401/403/408/429, which are handled before this is reached).
func errKindForStatus(status int) engine.ErrorKind {
	if status == http.StatusNotFound {
		return engine.ErrKindNotFound
	}
	if status == http.StatusConflict {
		return engine.ErrKindConflict
	}
	return engine.ErrKindValidation
}

// retryAfter reads a Retry-After header (seconds form), falling back to
// fallback if absent or unparsable, capped at maxRetryWait.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	wait := fallback
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > maxRetryWait {
		wait = maxRetryWait
	}
	return wait
}

// sleep honors ctx cancellation instead of blocking the full duration.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func decodeJSON(body []byte, out any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func encodeJSON(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// limiterKey scopes the concurrency cap to (user, provider) per spec.md §5 —
// the handle's Provider() is always present; the user id rides along when
// the handle also exposes it, otherwise every caller shares one bucket.
func limiterKey(provider string, cred engine.CredentialHandle) string {
	type userIDer interface{ UserID() string }
	if u, ok := cred.(userIDer); ok {
		return u.UserID() + ":" + provider
	}
	return provider
}
