package oauth2

import (
	"testing"

	"github.com/rakunlabs/flowcore/internal/config"
)

func TestBuildConfigsRequiresRedirectBaseURL(t *testing.T) {
	_, err := BuildConfigs(config.OAuth2{})
	if err == nil {
		t.Fatal("expected error when redirect_base_url is empty")
	}
}

func TestBuildConfigsOmitsUnconfiguredProviders(t *testing.T) {
	cfg := config.OAuth2{
		RedirectBaseURL: "https://gateway.example.com",
		GitHub:          config.OAuth2Provider{ClientID: "gh-client", ClientSecret: "gh-secret"},
	}

	configs, err := BuildConfigs(cfg)
	if err != nil {
		t.Fatalf("BuildConfigs: %v", err)
	}

	if _, ok := configs["github"]; !ok {
		t.Fatal("expected github config to be present")
	}
	if _, ok := configs["google_calendar"]; ok {
		t.Fatal("expected google_calendar to be omitted (no client_id configured)")
	}
	if _, ok := configs["slack"]; ok {
		t.Fatal("expected slack to be omitted (no client_id configured)")
	}

	gh := configs["github"]
	wantRedirect := "https://gateway.example.com/v1/oauth2/github/callback"
	if gh.RedirectURL != wantRedirect {
		t.Fatalf("RedirectURL = %q, want %q", gh.RedirectURL, wantRedirect)
	}
	if len(gh.Scopes) == 0 {
		t.Fatal("expected default scopes to be applied when none configured")
	}
}

func TestBuildConfigsCustomScopesOverrideDefaults(t *testing.T) {
	cfg := config.OAuth2{
		RedirectBaseURL: "https://gateway.example.com",
		Slack: config.OAuth2Provider{
			ClientID:     "slack-client",
			ClientSecret: "slack-secret",
			Scopes:       []string{"custom:scope"},
		},
	}

	configs, err := BuildConfigs(cfg)
	if err != nil {
		t.Fatalf("BuildConfigs: %v", err)
	}

	slack, ok := configs["slack"]
	if !ok {
		t.Fatal("expected slack config to be present")
	}
	if len(slack.Scopes) != 1 || slack.Scopes[0] != "custom:scope" {
		t.Fatalf("Scopes = %v, want [custom:scope]", slack.Scopes)
	}
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"google_calendar", true},
		{"github", true},
		{"slack", true},
		{"dropbox", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsSupported(tt.name); got != tt.want {
			t.Errorf("IsSupported(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
