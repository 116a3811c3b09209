// Package credential persists per-provider OAuth tokens and IMAP/SMTP
// passwords. Two backends exist: the system keyring and a local sqlite
// database with optional sealing at rest.
package credential

import (
	"context"
	"errors"

	"github.com/nhle/mailgateway/internal/model"
)

// ErrNotFound is returned by Get when no credential is stored for a provider.
var ErrNotFound = errors.New("credential not found")

// Store defines the persistence interface for provider credentials.
type Store interface {
	// Get returns the stored credential or ErrNotFound.
	Get(ctx context.Context, p model.ProviderType) (model.Credential, error)

	// Put replaces the stored credential for p.
	Put(ctx context.Context, p model.ProviderType, cred model.Credential) error

	// OnRotate applies refreshed tokens to the stored credential. Readers
	// never observe a partially written credential.
	OnRotate(ctx context.Context, p model.ProviderType, tokens model.TokenSet) error

	// Delete removes the credential for p. The gateway never calls it;
	// operators use it when retiring a provider.
	Delete(ctx context.Context, p model.ProviderType) error

	// Providers lists the providers that have a stored credential.
	Providers(ctx context.Context) ([]model.ProviderType, error)

	// Close releases the backend.
	Close() error
}
