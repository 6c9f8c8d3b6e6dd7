package engine

import "context"

// CredentialLookup resolves a (provider, integration) credential reference
// to a usable credential handle for the tool adapter layer.
type CredentialLookup func(ctx context.Context, ref CredentialRef) (CredentialHandle, error)

// CredentialHandle is an opaque, already-decrypted credential value a tool
// adapter call attaches to its outbound request. Callers never inspect its
// contents directly; only the matching tool adapter understands it.
type CredentialHandle interface {
	Provider() string
}

// ToolAdapter is the uniform call surface every external integration
// implements.
type ToolAdapter interface {
	Provider() string
	Call(ctx context.Context, operation string, params map[string]any, cred CredentialHandle) (map[string]any, error)
}

// ToolAdapterRegistry resolves a provider name to its ToolAdapter.
type ToolAdapterRegistry func(provider string) (ToolAdapter, error)
