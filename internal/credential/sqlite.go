package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailgateway/internal/model"
)

const (
	metaSaltKey     = "kdf_salt"
	metaVerifierKey = "kdf_verifier"
	verifierPlain   = "mailgateway"
)

// SQLiteStore implements Store using a local SQLite database. When opened
// with a passphrase, payloads are sealed at rest.
type SQLiteStore struct {
	db     *sqlx.DB
	sealer *sealer
	now    func() time.Time

	// mu serialises read-modify-write within this process; the
	// transaction covers other processes.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. A non-empty
// passphrase enables sealing; opening an existing sealed store with a
// different passphrase fails.
func NewSQLiteStore(dbPath, passphrase string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if passphrase != "" {
		if err := s.initSealer(passphrase); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// initSealer loads (or creates) the key derivation salt and checks the
// passphrase against the stored verifier.
func (s *SQLiteStore) initSealer(passphrase string) error {
	var salt []byte
	err := s.db.Get(&salt, "SELECT value FROM store_meta WHERE key = ?", metaSaltKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		salt, err = newSalt()
		if err != nil {
			return err
		}
		sl, err := newSealer(passphrase, salt)
		if err != nil {
			return err
		}
		verifier, err := sl.seal([]byte(verifierPlain), metaVerifierKey)
		if err != nil {
			return err
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		const insert = "INSERT INTO store_meta (key, value) VALUES (?, ?)"
		if _, err := tx.Exec(insert, metaSaltKey, salt); err != nil {
			return fmt.Errorf("storing kdf salt: %w", err)
		}
		if _, err := tx.Exec(insert, metaVerifierKey, verifier); err != nil {
			return fmt.Errorf("storing kdf verifier: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing kdf metadata: %w", err)
		}
		s.sealer = sl
		return nil

	case err != nil:
		return fmt.Errorf("reading kdf salt: %w", err)
	}

	sl, err := newSealer(passphrase, salt)
	if err != nil {
		return err
	}
	var verifier []byte
	if err := s.db.Get(&verifier, "SELECT value FROM store_meta WHERE key = ?", metaVerifierKey); err != nil {
		return fmt.Errorf("reading kdf verifier: %w", err)
	}
	if _, err := sl.open(verifier, metaVerifierKey); err != nil {
		return err
	}
	s.sealer = sl
	return nil
}

type credentialRow struct {
	Payload []byte `db:"payload"`
	Sealed  bool   `db:"sealed"`
}

// Get retrieves the credential for p.
func (s *SQLiteStore) Get(ctx context.Context, p model.ProviderType) (model.Credential, error) {
	return s.get(ctx, s.db, p)
}

func (s *SQLiteStore) get(ctx context.Context, q sqlx.QueryerContext, p model.ProviderType) (model.Credential, error) {
	var row credentialRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT payload, sealed FROM credentials WHERE provider = ?", string(p))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Credential{}, ErrNotFound
		}
		return model.Credential{}, fmt.Errorf("getting credential %q: %w", p, err)
	}

	payload := row.Payload
	if row.Sealed {
		if s.sealer == nil {
			return model.Credential{}, fmt.Errorf("credential %q is sealed and no passphrase is configured", p)
		}
		payload, err = s.sealer.open(row.Payload, string(p))
		if err != nil {
			return model.Credential{}, fmt.Errorf("opening credential %q: %w", p, err)
		}
	}

	var cred model.Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding credential %q: %w", p, err)
	}
	cred.Provider = p
	return cred, nil
}

// Put inserts or replaces the credential for p.
func (s *SQLiteStore) Put(ctx context.Context, p model.ProviderType, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, s.db, p, cred)
}

func (s *SQLiteStore) put(ctx context.Context, e sqlx.ExecerContext, p model.ProviderType, cred model.Credential) error {
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	now := s.now().UTC()
	cred.Provider = p
	cred.UpdatedAt = now

	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential %q: %w", p, err)
	}
	sealed := false
	if s.sealer != nil {
		payload, err = s.sealer.seal(payload, string(p))
		if err != nil {
			return fmt.Errorf("sealing credential %q: %w", p, err)
		}
		sealed = true
	}

	const query = `
		INSERT INTO credentials (provider, payload, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			payload = excluded.payload,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`

	if _, err := e.ExecContext(ctx, query, string(p), payload, sealed, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upserting credential %q: %w", p, err)
	}
	return nil
}

// OnRotate applies refreshed tokens inside one transaction.
func (s *SQLiteStore) OnRotate(ctx context.Context, p model.ProviderType, tokens model.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cred, err := s.get(ctx, tx, p)
	if err != nil {
		return fmt.Errorf("rotating tokens for %q: %w", p, err)
	}
	if err := s.put(ctx, tx, p, cred.WithTokens(tokens)); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes the credential for p.
func (s *SQLiteStore) Delete(ctx context.Context, p model.ProviderType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE provider = ?", string(p))
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", p, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Providers lists providers with a stored credential.
func (s *SQLiteStore) Providers(ctx context.Context) ([]model.ProviderType, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, "SELECT provider FROM credentials ORDER BY provider"); err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	out := make([]model.ProviderType, 0, len(names))
	for _, n := range names {
		out = append(out, model.ProviderType(n))
	}
	return out, nil
}
