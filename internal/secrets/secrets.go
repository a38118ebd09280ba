// Package secrets defines the Provider interface for credential resolution.
// Implementations are backend-specific (process environment, dotenv files).
// Secret material is resolved on the host at provisioning time and injected
// into the sandbox environment; it is never written into recipes, state
// files, or logs.
package secrets

import (
	"context"
	"fmt"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or written to audit records.
type Secret struct {
	Value    string            // The raw secret value (token, password, key).
	Metadata map[string]string // Backend-specific metadata (e.g., source file).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY" or
	// "file:///etc/ngome/secrets.env#MY_KEY") and returns the raw secret.
	// Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")
