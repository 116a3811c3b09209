package testutil

import (
	"context"
	"testing"

	"github.com/99designs/keyring"

	"github.com/nhle/mailgateway/internal/credential"
	"github.com/nhle/mailgateway/internal/model"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *credential.SQLiteStore {
	t.Helper()

	s, err := credential.NewSQLiteStore(":memory:", "")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewKeyringStore creates a KeyringStore over an in-memory keyring,
// seeded with creds.
func NewKeyringStore(t *testing.T, creds ...model.Credential) *credential.KeyringStore {
	t.Helper()

	s := credential.NewKeyringStore(keyring.NewArrayKeyring(nil))
	for _, c := range creds {
		if err := s.Put(context.Background(), c.Provider, c); err != nil {
			t.Fatalf("seeding %s credential: %v", c.Provider, err)
		}
	}
	return s
}

// OAuthCredential is a stored credential with only a refresh token.
func OAuthCredential(p model.ProviderType) model.Credential {
	return model.Credential{Provider: p, RefreshToken: "rt-" + string(p), Email: "agent@agency.example"}
}
