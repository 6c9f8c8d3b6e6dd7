package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rakunlabs/flowcore/internal/engine"
	"github.com/rakunlabs/flowcore/internal/service"
)

// contextKey is unexported so only this package can mint the user-id context
// value; the gateway sets it from the authenticated request before running
// a workflow, the same way logi.WithContext attaches a logger to a context.
type contextKey struct{}

var userIDKey = contextKey{}

// WithUserID attaches the acting user's ID to ctx for downstream credential
// resolution.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user ID attached by WithUserID, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// ErrInvalid is returned by Get/Resolve when a credential has been marked
// invalid by a failed refresh; callers must re-run the OAuth2 authorization
// flow before retrying.
var ErrInvalid = errors.New("credential invalid, reauthorization required")

// Token is the decrypted token pair handed to a refresh callback and to
// adapters via Handle.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshFunc exchanges a refresh token at the provider's token endpoint and
// returns the new token pair. Supplied per-provider by the oauth2 package so
// this package stays provider-agnostic.
type RefreshFunc func(ctx context.Context, current Token) (Token, error)

// Store wraps a CredentialStorer backend with the encrypt/decrypt boundary:
// callers never see ciphertext, and the backend never sees plaintext.
type Store struct {
	backend    service.CredentialStorer
	passphrase string
}

func NewStore(backend service.CredentialStorer, passphrase string) *Store {
	return &Store{backend: backend, passphrase: passphrase}
}

// StoreCredential encrypts and upserts a freshly obtained token pair —
// spec's store(user, provider, integration, cred).
func (s *Store) StoreCredential(ctx context.Context, userID, provider, integration string, tok Token, scopes string) (*service.Credential, error) {
	encAccess, encRefresh, err := encryptTokens(s.passphrase, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	rec := service.Credential{
		UserID:       userID,
		Provider:     provider,
		Integration:  integration,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		Scopes:       scopes,
		ExpiresAt:    tok.ExpiresAt.UTC().Format(time.RFC3339),
	}

	stored, err := s.backend.UpsertCredential(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	return redactTokens(stored), nil
}

// GetToken returns the decrypted token pair for (user, provider, integration),
// refusing to cross the user boundary by strict equality on userID — the
// same guarantee Get(user, provider) makes in spec.
func (s *Store) GetToken(ctx context.Context, userID, provider, integration string) (Token, error) {
	rec, err := s.backend.GetCredential(ctx, userID, provider, integration)
	if err != nil {
		return Token{}, fmt.Errorf("get credential: %w", err)
	}
	if rec == nil {
		return Token{}, fmt.Errorf("credential not found for provider %q", provider)
	}
	if rec.UserID != userID {
		return Token{}, fmt.Errorf("credential user mismatch")
	}

	return s.decryptRecord(*rec)
}

// Refresh acquires the backend's per-row lock, calls refresh if no
// concurrent refresher has already rotated the token, and persists the
// result. At most one network call happens per (user, provider, integration)
// refresh storm, even when multiple callers invoke Refresh concurrently.
func (s *Store) Refresh(ctx context.Context, userID, provider, integration string, refresh RefreshFunc) (Token, error) {
	updated, err := s.backend.RefreshCredential(ctx, userID, provider, integration, func(current service.Credential) (service.Credential, error) {
		currentTok, err := s.decryptRecord(current)
		if err != nil {
			return service.Credential{}, err
		}

		newTok, err := refresh(ctx, currentTok)
		if err != nil {
			return service.Credential{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}

		encAccess, encRefresh, err := encryptTokens(s.passphrase, newTok.AccessToken, newTok.RefreshToken)
		if err != nil {
			return service.Credential{}, fmt.Errorf("encrypt refreshed credential: %w", err)
		}

		current.AccessToken = encAccess
		current.RefreshToken = encRefresh
		current.ExpiresAt = newTok.ExpiresAt.UTC().Format(time.RFC3339)
		return current, nil
	})
	if err != nil {
		return Token{}, err
	}

	return s.decryptRecord(*updated)
}

// ListCredentials returns every integration stored for userID, tokens
// redacted — suitable for a "connected accounts" listing.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]service.Credential, error) {
	recs, err := s.backend.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]service.Credential, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *redactTokens(&rec))
	}
	return out, nil
}

// RevokeCredential deletes the stored credential — spec's revoke(user, provider).
func (s *Store) RevokeCredential(ctx context.Context, userID, provider, integration string) error {
	return s.backend.DeleteCredential(ctx, userID, provider, integration)
}

func (s *Store) decryptRecord(rec service.Credential) (Token, error) {
	accessToken, refreshToken, err := decryptTokens(s.passphrase, rec.AccessToken, rec.RefreshToken)
	if err != nil {
		return Token{}, fmt.Errorf("decrypt credential: %w", err)
	}

	expiresAt, _ := time.Parse(time.RFC3339, rec.ExpiresAt)
	return Token{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}, nil
}

// redactTokens strips ciphertext before returning a record to a caller that
// only needs metadata (the AccessToken/RefreshToken fields already carry
// json:"-", this additionally zeroes them so logging the struct is safe).
func redactTokens(rec *service.Credential) *service.Credential {
	if rec == nil {
		return nil
	}
	out := *rec
	out.AccessToken = ""
	out.RefreshToken = ""
	return &out
}

// handle is the engine.CredentialHandle implementation backing every tool
// adapter call; it carries the decrypted access token plus enough context
// for the adapter to trigger a refresh-and-retry on a 401/403.
type handle struct {
	provider     string
	userID       string
	integration  string
	accessToken  string
	refreshToken string

	store   *Store
	refresh RefreshFunc
}

func (h *handle) Provider() string { return h.provider }

// UserID lets the tool adapter layer scope its per-(user, provider)
// concurrency cap without importing this package.
func (h *handle) UserID() string { return h.userID }

// AccessToken returns the bearer token an adapter should attach to its
// outbound request.
func (h *handle) AccessToken() string { return h.accessToken }

// ForceRefresh unconditionally rotates the token through the backend's
// per-row lock and returns the new access token, letting a tool adapter
// retry once after an upstream 401/403 instead of waiting for the resolver's
// own 30-second-to-expiry window to trip.
func (h *handle) ForceRefresh(ctx context.Context) (string, error) {
	if h.store == nil || h.refresh == nil {
		return "", fmt.Errorf("credential: no refresher registered for %q", h.provider)
	}
	tok, err := h.store.Refresh(ctx, h.userID, h.provider, h.integration, h.refresh)
	if err != nil {
		return "", err
	}
	h.accessToken = tok.AccessToken
	h.refreshToken = tok.RefreshToken
	return h.accessToken, nil
}

// TokenHandle is the capability tool adapters type-assert a
// engine.CredentialHandle against to read the bearer token; adapters only
// depend on this method-shaped interface, not on this package, to avoid an
// import cycle between credential and tooladapter.
type TokenHandle interface {
	AccessToken() string
}

// RefreshableHandle is the capability tool adapters type-assert against to
// force a refresh-and-retry on a 401/403, without importing this package.
type RefreshableHandle interface {
	ForceRefresh(ctx context.Context) (string, error)
}

// NewResolver builds an engine.CredentialLookup bound to this store and the
// registry of per-provider refresh functions, wired into engine.Registry at
// startup. The acting user is read from ctx (see WithUserID); a ref with no
// attached user resolves to the zero-value user, which only succeeds if a
// credential was stored under that same empty user (single-tenant setups).
func (s *Store) NewResolver(refreshers map[string]RefreshFunc) engine.CredentialLookup {
	return func(ctx context.Context, ref engine.CredentialRef) (engine.CredentialHandle, error) {
		userID := UserIDFromContext(ctx)

		tok, err := s.GetToken(ctx, userID, ref.Provider, ref.Integration)
		if err != nil {
			return nil, engine.WrapError(engine.ErrKindAuth, "credential: resolve "+ref.Provider, err)
		}

		if !tok.ExpiresAt.IsZero() && time.Now().After(tok.ExpiresAt.Add(-30*time.Second)) {
			refresh, ok := refreshers[ref.Provider]
			if !ok {
				return nil, engine.NewError(engine.ErrKindAuth, "credential: "+ref.Provider+" token expired and no refresher registered")
			}
			tok, err = s.Refresh(ctx, userID, ref.Provider, ref.Integration, refresh)
			if err != nil {
				return nil, engine.WrapError(engine.ErrKindAuth, "credential: refresh "+ref.Provider, err)
			}
		}

		return &handle{
			provider:     ref.Provider,
			userID:       userID,
			integration:  ref.Integration,
			accessToken:  tok.AccessToken,
			refreshToken: tok.RefreshToken,
			store:        s,
			refresh:      refreshers[ref.Provider],
		}, nil
	}
}
