package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	xoauth2 "golang.org/x/oauth2"

	"github.com/rakunlabs/flowcore/internal/credential"
	"github.com/rakunlabs/flowcore/internal/service"
)

// stateTTL bounds how long a begin_authorization state token stays
// redeemable before complete_authorization must reject it as expired.
const stateTTL = 10 * time.Minute

// Handler drives the begin/complete authorization-code flow for the closed
// provider set, storing the resulting token pair through a credential.Store.
// The background sweep goroutine mirrors the deadline-based expiry sweep the
// teacher's deviceFlowManager performs for device-flow state, generalized
// from an in-process map to the pluggable OAuth2StateStorer backend.
type Handler struct {
	configs map[string]*xoauth2.Config
	states  service.OAuth2StateStorer
	creds   *credential.Store
}

func NewHandler(configs map[string]*xoauth2.Config, states service.OAuth2StateStorer, creds *credential.Store) *Handler {
	return &Handler{configs: configs, states: states, creds: creds}
}

// StartSweep runs SweepExpiredStates on interval until ctx is canceled.
func (h *Handler) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := h.states.SweepExpiredStates(ctx)
				if err != nil {
					slog.Error("oauth2: sweep expired states failed", "error", err)
					continue
				}
				if swept > 0 {
					slog.Info("oauth2: swept expired authorization states", "count", swept)
				}
			}
		}
	}()
}

// BeginAuthorization generates an opaque state token (128 bits of entropy),
// persists it, and returns the provider's authorization URL with state and
// scopes encoded.
func (h *Handler) BeginAuthorization(ctx context.Context, userID, provider, integration, redirectURI string) (string, error) {
	cfg, ok := h.configs[provider]
	if !ok {
		return "", fmt.Errorf("oauth2: provider %q not configured", provider)
	}

	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("oauth2: generate state: %w", err)
	}

	record := service.OAuth2State{
		State:       state,
		UserID:      userID,
		Provider:    provider,
		Integration: integration,
		RedirectURI: redirectURI,
		ExpiresAt:   time.Now().UTC().Add(stateTTL).Format(time.RFC3339),
	}
	if err := h.states.PutState(ctx, record); err != nil {
		return "", fmt.Errorf("oauth2: persist state: %w", err)
	}

	return cfg.AuthCodeURL(state, xoauth2.AccessTypeOffline), nil
}

// CompleteAuthorization atomically consumes the state record, exchanges the
// code at the provider's token endpoint, and stores the resulting
// credential. A second callback with the same state (or an expired one)
// returns an error — the state has already been deleted by ConsumeState,
// so replay is structurally impossible.
func (h *Handler) CompleteAuthorization(ctx context.Context, provider, code, state string) (*service.Credential, error) {
	record, err := h.states.ConsumeState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("oauth2: consume state: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("oauth2: invalid or expired state")
	}
	if record.Provider != provider {
		return nil, fmt.Errorf("oauth2: state provider mismatch")
	}

	cfg, ok := h.configs[provider]
	if !ok {
		return nil, fmt.Errorf("oauth2: provider %q not configured", provider)
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth2: exchange code: %w", err)
	}

	scopesJoined := ""
	for i, sc := range cfg.Scopes {
		if i > 0 {
			scopesJoined += " "
		}
		scopesJoined += sc
	}

	stored, err := h.creds.StoreCredential(ctx, record.UserID, provider, record.Integration, credential.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, scopesJoined)
	if err != nil {
		return nil, fmt.Errorf("oauth2: store credential: %w", err)
	}

	return stored, nil
}

// RefreshFunc builds a credential.RefreshFunc for provider that calls the
// standard OAuth2 refresh-token grant, suitable for registering with
// credential.Store.NewResolver.
func (h *Handler) RefreshFunc(provider string) (credential.RefreshFunc, bool) {
	cfg, ok := h.configs[provider]
	if !ok {
		return nil, false
	}

	return func(ctx context.Context, current credential.Token) (credential.Token, error) {
		src := cfg.TokenSource(ctx, &xoauth2.Token{
			AccessToken:  current.AccessToken,
			RefreshToken: current.RefreshToken,
			Expiry:       current.ExpiresAt,
		})

		tok, err := src.Token()
		if err != nil {
			return credential.Token{}, fmt.Errorf("refresh %s token: %w", provider, err)
		}

		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			// Some providers (GitHub classic OAuth apps) don't rotate
			// refresh tokens; keep the one we already have.
			refreshToken = current.RefreshToken
		}

		return credential.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    tok.Expiry,
		}, nil
	}, true
}

// Refreshers builds the full provider -> RefreshFunc map for every
// configured provider, ready to pass to credential.Store.NewResolver.
func (h *Handler) Refreshers() map[string]credential.RefreshFunc {
	out := make(map[string]credential.RefreshFunc, len(h.configs))
	for provider := range h.configs {
		if fn, ok := h.RefreshFunc(provider); ok {
			out[provider] = fn
		}
	}
	return out
}

func randomState() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
