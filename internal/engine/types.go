// Package engine holds the small set of contract types shared by the
// credential store and the tool adapter registry: the classified error
// taxonomy (errors.go) both use for routing/reporting decisions, and the
// CredentialHandle/ToolAdapter/CredentialRef surface a tool adapter call
// resolves a credential through (registry.go). Workflow graph execution
// itself lives in internal/service/workflow, which depends on neither of
// these packages and is kept free of this one's vocabulary.
package engine

// CredentialRef identifies the (user, provider) credential a tool adapter
// call should resolve through the credential store.
type CredentialRef struct {
	Provider    string `json:"provider"`
	Integration string `json:"integration_id,omitempty"`
}

// ErrorDetail captures a sanitized, loggable error: secrets and raw
// upstream payloads are redacted before surfacing to a client.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
