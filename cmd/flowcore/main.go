package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/flowcore/internal/cluster"
	"github.com/rakunlabs/flowcore/internal/config"
	atcrypto "github.com/rakunlabs/flowcore/internal/crypto"
	"github.com/rakunlabs/flowcore/internal/credential"
	"github.com/rakunlabs/flowcore/internal/oauth2"
	"github.com/rakunlabs/flowcore/internal/server"
	"github.com/rakunlabs/flowcore/internal/service"
	"github.com/rakunlabs/flowcore/internal/service/llm/antropic"
	"github.com/rakunlabs/flowcore/internal/service/llm/gemini"
	"github.com/rakunlabs/flowcore/internal/service/llm/openai"
	"github.com/rakunlabs/flowcore/internal/service/llm/vertex"
	"github.com/rakunlabs/flowcore/internal/store/postgres"
	"github.com/rakunlabs/flowcore/internal/store/sqlite3"
	"github.com/rakunlabs/flowcore/internal/tooladapter"
)

var (
	name    = "flowcore"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// store bundles every storer interface server.New needs, satisfied by
// whichever backend config.Store selects.
type store interface {
	service.ProviderStorer
	service.APITokenStorer
	service.WorkflowStorer
	service.WorkflowVersionStorer
	service.TriggerStorer
	service.SkillStorer
	service.SecretStorer
	service.NodeConfigStorer
	service.CredentialStorer
	service.OAuth2StateStorer
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = atcrypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive store encryption key: %w", err)
		}
	}

	st, storeType, err := openStore(ctx, cfg, encKey)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	providers := map[string]server.ProviderInfo{}
	for key, llmCfg := range cfg.Providers {
		provider, err := newLLMProvider(llmCfg)
		if err != nil {
			return fmt.Errorf("create provider %q: %w", key, err)
		}
		providers[key] = server.NewProviderInfo(provider, llmCfg)
	}

	credStore := credential.NewStore(st, cfg.Store.EncryptionKey)

	var oauth2Handler *oauth2.Handler
	if cfg.OAuth2.RedirectBaseURL != "" {
		oauth2Configs, err := oauth2.BuildConfigs(cfg.OAuth2)
		if err != nil {
			return fmt.Errorf("build oauth2 configs: %w", err)
		}
		oauth2Handler = oauth2.NewHandler(oauth2Configs, st, credStore)
	}

	toolAdapters, err := tooladapter.NewRegistry(cfg.ToolAdapter)
	if err != nil {
		return fmt.Errorf("create tool adapter registry: %w", err)
	}

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}

	// No persistent backend implements VariableStorer (only internal/store/memory
	// does); {{var.KEY}} substitution is a no-op until one is wired here.
	var variableStore service.VariableStorer

	srv, err := server.New(
		ctx, cfg.Server, cfg.Gateway, providers,
		st, st,
		st, st,
		st, st,
		st, st,
		variableStore,
		storeType, newLLMProvider, cl,
		credStore, oauth2Handler, toolAdapters,
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if cl != nil {
		go func() {
			if err := cl.Start(ctx, nil); err != nil && ctx.Err() == nil {
				slog.Error("cluster start failed", "error", err)
			}
		}()
	}

	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}

// openStore constructs the configured storage backend. Exactly one of
// cfg.Store.Postgres / cfg.Store.SQLite must be set.
func openStore(ctx context.Context, cfg *config.Config, encKey []byte) (store, string, error) {
	switch {
	case cfg.Store.Postgres != nil:
		pg, err := postgres.New(ctx, cfg.Store.Postgres, encKey)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres store: %w", err)
		}
		return pg, "postgres", nil
	case cfg.Store.SQLite != nil:
		sl, err := sqlite3.New(ctx, cfg.Store.SQLite, encKey)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite store: %w", err)
		}
		return sl, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("no store backend configured (set store.postgres or store.sqlite)")
	}
}

// newLLMProvider creates an LLMProvider from a named configuration entry,
// dispatching on its declared type.
func newLLMProvider(cfg config.LLMConfig) (service.LLMProvider, error) {
	switch cfg.Type {
	case "anthropic":
		return antropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "openai":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify, cfg.ExtraHeaders)
	case "vertex":
		return vertex.New(cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "gemini":
		return gemini.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
