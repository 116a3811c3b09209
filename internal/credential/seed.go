package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailgateway/internal/model"
)

// FromConfig derives the credential the configuration describes for p.
// ok is false when the configuration carries nothing to store.
func FromConfig(cfg *model.AppConfig, p model.ProviderType) (cred model.Credential, ok bool) {
	switch p {
	case model.ProviderGmail:
		g := cfg.Providers.Gmail
		if g.ClientID == "" || g.RefreshToken == "" {
			return model.Credential{}, false
		}
		return model.Credential{Provider: p, RefreshToken: g.RefreshToken, Email: g.Email}, true

	case model.ProviderOutlook:
		o := cfg.Providers.Outlook
		if o.ClientID == "" || o.RefreshToken == "" {
			return model.Credential{}, false
		}
		return model.Credential{Provider: p, RefreshToken: o.RefreshToken, Email: o.Email}, true

	case model.ProviderGenericSMTP:
		g := cfg.Providers.GenericSMTP
		if g.Username == "" || g.Password == "" {
			return model.Credential{}, false
		}
		email := g.Email
		if email == "" {
			email = g.Username
		}
		return model.Credential{
			Provider: p,
			Email:    email,
			IMAPHost: g.IMAPHost,
			IMAPPort: g.IMAPPort,
			SMTPHost: g.SMTPHost,
			SMTPPort: g.SMTPPort,
			Username: g.Username,
			Password: g.Password,
		}, true
	}
	return model.Credential{}, false
}

// Seed stores credentials derived from configuration for providers that
// have nothing stored yet. Stored credentials are never overwritten, since
// they may hold rotated tokens newer than the configuration.
func Seed(ctx context.Context, store Store, cfg *model.AppConfig) ([]model.ProviderType, error) {
	var seeded []model.ProviderType
	for _, p := range model.AllProviders {
		cred, ok := FromConfig(cfg, p)
		if !ok {
			continue
		}

		_, err := store.Get(ctx, p)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return seeded, fmt.Errorf("checking stored credential %q: %w", p, err)
		}

		if err := store.Put(ctx, p, cred); err != nil {
			return seeded, fmt.Errorf("seeding credential %q: %w", p, err)
		}
		seeded = append(seeded, p)
	}
	return seeded, nil
}

// Open builds the Store the configuration selects.
func Open(cfg model.CredentialsConfig) (Store, error) {
	switch cfg.Backend {
	case "", "keyring":
		ring, err := OpenKeyring(cfg.KeyringDir, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return NewKeyringStore(ring), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.Passphrase)
	}
	return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
}
