package server

import (
	"fmt"
	"log/slog"
	"net/http"
)

// ─── Credential Management API ───

// listCredentialsResponse is returned by GET /api/v1/credentials.
type listCredentialsResponse struct {
	Credentials []credentialView `json:"credentials"`
}

// credentialView is the redacted shape a caller sees for one connected
// integration — tokens never leave internal/credential.
type credentialView struct {
	Provider    string `json:"provider"`
	Integration string `json:"integration"`
	Scopes      string `json:"scopes"`
	ExpiresAt   string `json:"expires_at"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ListCredentialsAPI handles GET /api/v1/credentials. Lists the caller's own
// connected integrations (google_calendar, github, slack), identified by the
// forward-auth user header.
func (s *Server) ListCredentialsAPI(w http.ResponseWriter, r *http.Request) {
	if s.credentialStore == nil {
		httpResponse(w, "credential store not configured", http.StatusServiceUnavailable)
		return
	}

	userEmail := s.getUserEmail(r)
	if userEmail == "" {
		httpResponse(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	recs, err := s.credentialStore.ListCredentials(r.Context(), userEmail)
	if err != nil {
		slog.Error("list credentials failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list credentials: %v", err), http.StatusInternalServerError)
		return
	}

	out := make([]credentialView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, credentialView{
			Provider:    rec.Provider,
			Integration: rec.Integration,
			Scopes:      rec.Scopes,
			ExpiresAt:   rec.ExpiresAt,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}

	httpResponseJSON(w, listCredentialsResponse{Credentials: out}, http.StatusOK)
}

// DeleteCredentialAPI handles DELETE /api/v1/credentials?provider=...&integration=....
// Revokes the caller's own stored integration; a missing integration query
// param targets the default ("") integration.
func (s *Server) DeleteCredentialAPI(w http.ResponseWriter, r *http.Request) {
	if s.credentialStore == nil {
		httpResponse(w, "credential store not configured", http.StatusServiceUnavailable)
		return
	}

	userEmail := s.getUserEmail(r)
	if userEmail == "" {
		httpResponse(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		httpResponse(w, "'provider' query parameter is required", http.StatusBadRequest)
		return
	}
	integration := r.URL.Query().Get("integration")

	if err := s.credentialStore.RevokeCredential(r.Context(), userEmail, provider, integration); err != nil {
		slog.Error("revoke credential failed", "provider", provider, "error", err)
		httpResponse(w, fmt.Sprintf("failed to revoke credential: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "credential revoked", http.StatusOK)
}
