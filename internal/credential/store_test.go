package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/flowcore/internal/engine"
	"github.com/rakunlabs/flowcore/internal/service"
)

var errNotFound = errors.New("credential not found")

// fakeBackend is an in-memory service.CredentialStorer used to test the
// encrypt/decrypt boundary and refresh locking without a real store.
type fakeBackend struct {
	mu    sync.Mutex
	rows  map[string]service.Credential
	calls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[string]service.Credential{}}
}

func fakeKey(userID, provider, integration string) string {
	return userID + "|" + provider + "|" + integration
}

func (f *fakeBackend) GetCredential(ctx context.Context, userID, provider, integration string) (*service.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[fakeKey(userID, provider, integration)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeBackend) ListCredentials(ctx context.Context, userID string) ([]service.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []service.Credential
	for _, rec := range f.rows {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeBackend) UpsertCredential(ctx context.Context, cred service.Credential) (*service.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred.Version++
	f.rows[fakeKey(cred.UserID, cred.Provider, cred.Integration)] = cred
	return &cred, nil
}

func (f *fakeBackend) RefreshCredential(ctx context.Context, userID, provider, integration string, refresh func(current service.Credential) (service.Credential, error)) (*service.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	key := fakeKey(userID, provider, integration)
	current, ok := f.rows[key]
	if !ok {
		return nil, errNotFound
	}

	updated, err := refresh(current)
	if err != nil {
		return nil, err
	}
	updated.Version++
	f.rows[key] = updated
	return &updated, nil
}

func (f *fakeBackend) DeleteCredential(ctx context.Context, userID, provider, integration string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, fakeKey(userID, provider, integration))
	return nil
}

func TestStoreCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newFakeBackend(), "test-passphrase")

	expires := time.Now().Add(time.Hour).UTC()
	stored, err := s.StoreCredential(ctx, "u1", "github", "default", Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    expires,
	}, "repo,user")
	if err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	// Returned record must be redacted.
	if stored.AccessToken != "" || stored.RefreshToken != "" {
		t.Fatal("StoreCredential result should have redacted tokens")
	}

	tok, err := s.GetToken(ctx, "u1", "github", "default")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "access-123" || tok.RefreshToken != "refresh-456" {
		t.Fatalf("GetToken round-trip mismatch: got %+v", tok)
	}
}

func TestGetTokenUserMismatch(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	s := NewStore(backend, "test-passphrase")

	if _, err := s.StoreCredential(ctx, "u1", "slack", "default", Token{AccessToken: "a"}, ""); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	// Directly corrupt the stored row's UserID to simulate a cross-tenant read.
	backend.mu.Lock()
	row := backend.rows[fakeKey("u1", "slack", "default")]
	row.UserID = "someone-else"
	backend.rows[fakeKey("u1", "slack", "default")] = row
	backend.mu.Unlock()

	if _, err := s.GetToken(ctx, "u1", "slack", "default"); err == nil {
		t.Fatal("expected user mismatch error")
	}
}

func TestGetTokenNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newFakeBackend(), "test-passphrase")

	if _, err := s.GetToken(ctx, "u1", "github", "default"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRefreshRotatesTokenOnce(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	s := NewStore(backend, "test-passphrase")

	if _, err := s.StoreCredential(ctx, "u1", "google_calendar", "default", Token{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
	}, ""); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	var refreshCalls int
	refresh := func(ctx context.Context, current Token) (Token, error) {
		refreshCalls++
		return Token{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	tok, err := s.Refresh(ctx, "u1", "google_calendar", "default", refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Fatalf("Refresh result = %+v, want new-access", tok)
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh callback invoked %d times, want 1", refreshCalls)
	}

	// Refetching should now observe the rotated token.
	tok2, err := s.GetToken(ctx, "u1", "google_calendar", "default")
	if err != nil {
		t.Fatalf("GetToken after refresh: %v", err)
	}
	if tok2.AccessToken != "new-access" {
		t.Fatalf("persisted token = %+v, want new-access", tok2)
	}
}

func TestListCredentialsRedactsTokens(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newFakeBackend(), "test-passphrase")

	if _, err := s.StoreCredential(ctx, "u1", "github", "default", Token{AccessToken: "secret"}, ""); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	list, err := s.ListCredentials(ctx, "u1")
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].AccessToken != "" {
		t.Fatal("listed credential should have redacted access token")
	}
}

func TestRevokeCredential(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newFakeBackend(), "test-passphrase")

	if _, err := s.StoreCredential(ctx, "u1", "github", "default", Token{AccessToken: "secret"}, ""); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	if err := s.RevokeCredential(ctx, "u1", "github", "default"); err != nil {
		t.Fatalf("RevokeCredential: %v", err)
	}
	if _, err := s.GetToken(ctx, "u1", "github", "default"); err == nil {
		t.Fatal("expected not-found after revoke")
	}
}

func TestUserIDContext(t *testing.T) {
	ctx := WithUserID(context.Background(), "u42")
	if got := UserIDFromContext(ctx); got != "u42" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "u42")
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("UserIDFromContext on bare context = %q, want empty", got)
	}
}

func TestNewResolverRefreshesExpiredToken(t *testing.T) {
	ctx := WithUserID(context.Background(), "u1")
	backend := newFakeBackend()
	s := NewStore(backend, "test-passphrase")

	if _, err := s.StoreCredential(ctx, "u1", "slack", "default", Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Minute), // already expired
	}, ""); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	var refreshed bool
	resolver := s.NewResolver(map[string]RefreshFunc{
		"slack": func(ctx context.Context, current Token) (Token, error) {
			refreshed = true
			return Token{AccessToken: "fresh", RefreshToken: "refresh-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})

	handle, err := resolver(ctx, engine.CredentialRef{Provider: "slack", Integration: "default"})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if !refreshed {
		t.Fatal("expected expired token to trigger a refresh")
	}

	th, ok := handle.(TokenHandle)
	if !ok {
		t.Fatal("handle does not implement TokenHandle")
	}
	if th.AccessToken() != "fresh" {
		t.Fatalf("AccessToken() = %q, want %q", th.AccessToken(), "fresh")
	}
}
