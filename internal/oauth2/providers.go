// Package oauth2 implements the authorization-code grant for the closed
// set of third-party integrations (google_calendar, github, slack), storing
// the resulting tokens through internal/credential.
package oauth2

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/rakunlabs/flowcore/internal/config"
)

// Providers is the closed set spec.md names; no other provider key is
// accepted by begin_authorization.
var Providers = []string{"google_calendar", "github", "slack"}

// defaultScopes mirrors the minimal scope set each tool adapter operation
// set (§4.4) actually needs.
var defaultScopes = map[string][]string{
	"google_calendar": {"https://www.googleapis.com/auth/calendar"},
	"github":          {"repo"},
	"slack":           {"chat:write", "channels:read", "users:read"},
}

// BuildConfigs resolves oauth2.Config records for every configured provider
// from cfg, keyed by provider name. A provider whose client_id is empty is
// omitted — callers treat a missing entry as "not configured".
func BuildConfigs(cfg config.OAuth2) (map[string]*oauth2.Config, error) {
	if cfg.RedirectBaseURL == "" {
		return nil, fmt.Errorf("oauth2: redirect_base_url is required")
	}

	configs := make(map[string]*oauth2.Config, len(Providers))

	add := func(name string, p config.OAuth2Provider, endpoint oauth2.Endpoint, callbackPath string) {
		if p.ClientID == "" {
			return
		}
		scopes := p.Scopes
		if len(scopes) == 0 {
			scopes = defaultScopes[name]
		}
		configs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectBaseURL + callbackPath,
			Scopes:       scopes,
		}
	}

	add("google_calendar", cfg.GoogleCalendar, endpoints.Google, "/v1/oauth2/google_calendar/callback")
	add("github", cfg.GitHub, endpoints.GitHub, "/v1/oauth2/github/callback")
	add("slack", cfg.Slack, oauth2.Endpoint{
		AuthURL:  "https://slack.com/oauth/v2/authorize",
		TokenURL: "https://slack.com/api/oauth.v2.access",
	}, "/v1/oauth2/slack/callback")

	return configs, nil
}

// IsSupported reports whether name is one of the closed provider set.
func IsSupported(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}
