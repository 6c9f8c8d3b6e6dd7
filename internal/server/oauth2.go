package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rakunlabs/flowcore/internal/oauth2"
)

// ─── OAuth2 Authorization API ───

type beginOAuth2Request struct {
	Provider    string `json:"provider"`
	Integration string `json:"integration"`
	RedirectURI string `json:"redirect_uri"`
}

type beginOAuth2Response struct {
	AuthorizationURL string `json:"authorization_url"`
}

// BeginOAuth2API handles POST /api/v1/oauth2/begin. It starts an
// authorization-code grant for one of the closed providers (google_calendar,
// github, slack) and returns the URL the caller's browser should be sent to.
func (s *Server) BeginOAuth2API(w http.ResponseWriter, r *http.Request) {
	if s.oauth2Handler == nil {
		httpResponse(w, "oauth2 is not configured", http.StatusServiceUnavailable)
		return
	}

	userEmail := s.getUserEmail(r)
	if userEmail == "" {
		httpResponse(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req beginOAuth2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if !oauth2.IsSupported(req.Provider) {
		httpResponse(w, fmt.Sprintf("unsupported provider %q", req.Provider), http.StatusBadRequest)
		return
	}

	url, err := s.oauth2Handler.BeginAuthorization(r.Context(), userEmail, req.Provider, req.Integration, req.RedirectURI)
	if err != nil {
		slog.Error("begin oauth2 authorization failed", "provider", req.Provider, "error", err)
		httpResponse(w, fmt.Sprintf("failed to begin authorization: %v", err), http.StatusBadRequest)
		return
	}

	httpResponseJSON(w, beginOAuth2Response{AuthorizationURL: url}, http.StatusOK)
}

// OAuth2CallbackGoogleCalendarAPI handles GET /api/v1/oauth2/google_calendar/callback.
func (s *Server) OAuth2CallbackGoogleCalendarAPI(w http.ResponseWriter, r *http.Request) {
	s.completeOAuth2(w, r, "google_calendar")
}

// OAuth2CallbackGitHubAPI handles GET /api/v1/oauth2/github/callback.
func (s *Server) OAuth2CallbackGitHubAPI(w http.ResponseWriter, r *http.Request) {
	s.completeOAuth2(w, r, "github")
}

// OAuth2CallbackSlackAPI handles GET /api/v1/oauth2/slack/callback.
func (s *Server) OAuth2CallbackSlackAPI(w http.ResponseWriter, r *http.Request) {
	s.completeOAuth2(w, r, "slack")
}

// completeOAuth2 is shared by the three literal callback routes — one per
// provider, matching the redirect_uri oauth2.BuildConfigs registered with
// each provider's authorization server exactly, so no route needs a
// provider-name wildcard segment.
func (s *Server) completeOAuth2(w http.ResponseWriter, r *http.Request, provider string) {
	if s.oauth2Handler == nil {
		httpResponse(w, "oauth2 is not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		httpResponse(w, fmt.Sprintf("authorization denied: %s", errParam), http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		httpResponse(w, "missing 'code' or 'state' query parameter", http.StatusBadRequest)
		return
	}

	cred, err := s.oauth2Handler.CompleteAuthorization(r.Context(), provider, code, state)
	if err != nil {
		slog.Error("complete oauth2 authorization failed", "provider", provider, "error", err)
		httpResponse(w, fmt.Sprintf("failed to complete authorization: %v", err), http.StatusBadRequest)
		return
	}

	httpResponseJSON(w, credentialView{
		Provider:    cred.Provider,
		Integration: cred.Integration,
		Scopes:      cred.Scopes,
		ExpiresAt:   cred.ExpiresAt,
		CreatedAt:   cred.CreatedAt,
		UpdatedAt:   cred.UpdatedAt,
	}, http.StatusOK)
}
