package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"

	"github.com/nhle/mailgateway/internal/model"
)

const (
	serviceName = "mailgateway"
	keyPrefix   = serviceName + "-"
)

// OpenKeyring returns the system keyring, falling back to an encrypted
// file store under dir when no OS keyring is available.
func OpenKeyring(dir, filePassword string) (keyring.Keyring, error) {
	if filePassword == "" {
		filePassword = "mailgateway-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyringStore implements Store with one JSON item per provider.
type KeyringStore struct {
	ring keyring.Keyring
	now  func() time.Time

	// mu serialises read-modify-write in OnRotate. Each write is a single
	// keyring Set, so readers see either the old or the new item. Not every
	// backend is safe for concurrent use, so reads take it too.
	mu sync.RWMutex
}

// NewKeyringStore wraps an opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring, now: time.Now}
}

func itemKey(p model.ProviderType) string {
	return keyPrefix + string(p)
}

// Get retrieves the credential for p from the keyring.
func (s *KeyringStore) Get(_ context.Context, p model.ProviderType) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(p)
}

func (s *KeyringStore) get(p model.ProviderType) (model.Credential, error) {
	item, err := s.ring.Get(itemKey(p))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return model.Credential{}, ErrNotFound
		}
		return model.Credential{}, fmt.Errorf("getting credential %q: %w", p, err)
	}

	var cred model.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding credential %q: %w", p, err)
	}
	cred.Provider = p
	return cred, nil
}

// Put stores cred for p in the keyring, replacing any previous item.
func (s *KeyringStore) Put(_ context.Context, p model.ProviderType, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(p, cred)
}

func (s *KeyringStore) put(p model.ProviderType, cred model.Credential) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	cred.Provider = p
	cred.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", p, err)
	}

	err = s.ring.Set(keyring.Item{
		Key:         itemKey(p),
		Data:        data,
		Label:       "mailgateway " + string(p),
		Description: "mail provider credential",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", p, err)
	}
	return nil
}

// OnRotate applies refreshed tokens to the stored credential for p.
func (s *KeyringStore) OnRotate(_ context.Context, p model.ProviderType, tokens model.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.get(p)
	if err != nil {
		return fmt.Errorf("rotating tokens for %q: %w", p, err)
	}
	return s.put(p, cred.WithTokens(tokens))
}

// Providers lists providers with a stored item.
func (s *KeyringStore) Providers(_ context.Context) ([]model.ProviderType, error) {
	s.mu.RLock()
	keys, err := s.ring.Keys()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	var out []model.ProviderType
	for _, k := range keys {
		name, ok := strings.CutPrefix(k, keyPrefix)
		if !ok {
			continue
		}
		if p := model.ProviderType(name); p.Valid() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Delete removes the credential for p.
func (s *KeyringStore) Delete(_ context.Context, p model.ProviderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ring.Remove(itemKey(p)); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting credential %q: %w", p, err)
	}
	return nil
}

// Close is a no-op; keyrings hold no process resources.
func (s *KeyringStore) Close() error {
	return nil
}
