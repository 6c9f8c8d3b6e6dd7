package tooladapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/flowcore/internal/config"
	"github.com/rakunlabs/flowcore/internal/engine"
)

// fakeCred is a minimal engine.CredentialHandle used to drive transport.do
// without depending on internal/credential.
type fakeCred struct {
	provider     string
	userID       string
	accessToken  string
	refreshCalls int32
	refreshToken string
}

func (f *fakeCred) Provider() string    { return f.provider }
func (f *fakeCred) UserID() string      { return f.userID }
func (f *fakeCred) AccessToken() string { return f.accessToken }
func (f *fakeCred) ForceRefresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	f.accessToken = f.refreshToken
	return f.accessToken, nil
}

func testTransport(t *testing.T) *transport {
	t.Helper()
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		t.Fatalf("klient.New: %v", err)
	}
	return &transport{client: client, limiter: newLimiter(10)}
}

func build(url, method string) requestFunc {
	return func(ctx context.Context, accessToken string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		return req, nil
	}
}

func TestTransportDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := testTransport(t)
	cred := &fakeCred{provider: "http", userID: "u1", accessToken: "tok"}

	resp, body, err := tr.do(context.Background(), limiterKey(cred.provider, cred), cred, build(srv.URL, http.MethodGet))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestTransportRefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			t.Errorf("expected refreshed token on retry, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := testTransport(t)
	cred := &fakeCred{provider: "http", userID: "u1", accessToken: "stale-token", refreshToken: "fresh-token"}

	resp, _, err := tr.do(context.Background(), limiterKey(cred.provider, cred), cred, build(srv.URL, http.MethodGet))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&cred.refreshCalls) != 1 {
		t.Fatalf("refreshCalls = %d, want 1", cred.refreshCalls)
	}
}

func TestTransportGivesUpAfterSecondAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := testTransport(t)
	cred := &fakeCred{provider: "http", userID: "u1", accessToken: "stale", refreshToken: "still-stale"}

	_, _, err := tr.do(context.Background(), limiterKey(cred.provider, cred), cred, build(srv.URL, http.MethodGet))
	if err == nil {
		t.Fatal("expected error after second 401")
	}
	if engine.KindOf(err) != engine.ErrKindAuth {
		t.Fatalf("KindOf(err) = %v, want %v", engine.KindOf(err), engine.ErrKindAuth)
	}
}

func TestTransportRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	retryBackoffSave := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { retryBackoff = retryBackoffSave }()

	tr := testTransport(t)
	cred := &fakeCred{provider: "http", userID: "u1", accessToken: "tok"}

	resp, _, err := tr.do(context.Background(), limiterKey(cred.provider, cred), cred, build(srv.URL, http.MethodGet))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestTransportNonRetriedClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := testTransport(t)
	cred := &fakeCred{provider: "http", userID: "u1", accessToken: "tok"}

	_, _, err := tr.do(context.Background(), limiterKey(cred.provider, cred), cred, build(srv.URL, http.MethodGet))
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if engine.KindOf(err) != engine.ErrKindNotFound {
		t.Fatalf("KindOf(err) = %v, want %v", engine.KindOf(err), engine.ErrKindNotFound)
	}
}

func TestLimiterKeyScopesByUser(t *testing.T) {
	a := &fakeCred{provider: "slack", userID: "u1"}
	b := &fakeCred{provider: "slack", userID: "u2"}

	if limiterKey("slack", a) == limiterKey("slack", b) {
		t.Fatal("expected distinct limiter keys for distinct users")
	}
	if limiterKey("slack", a) != "u1:slack" {
		t.Fatalf("limiterKey = %q, want %q", limiterKey("slack", a), "u1:slack")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry(config.ToolAdapter{MaxConcurrentPerProvider: 5})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, provider := range []string{"http", "google_calendar", "github", "slack"} {
		if _, err := reg.Resolve(provider); err != nil {
			t.Errorf("Resolve(%q): %v", provider, err)
		}
	}

	if _, err := reg.Resolve("unknown"); err == nil {
		t.Fatal("expected error resolving an unknown provider")
	} else if engine.KindOf(err) != engine.ErrKindNotFound {
		t.Fatalf("KindOf(err) = %v, want %v", engine.KindOf(err), engine.ErrKindNotFound)
	}
}
