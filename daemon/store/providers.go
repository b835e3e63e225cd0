package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
)

// ErrProviderNotFound is reported when a provider slug is unknown.
var ErrProviderNotFound = errors.New("provider not found")

// Provider is a catalog entry. The slug is the stable identifier
// referenced by upstreams and provider keys.
type Provider struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewProvider is the input to PutProvider.
type NewProvider struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

// PutProvider upserts a provider by slug, refreshing the display name and
// description on conflict.
func (s *Store) PutProvider(ctx context.Context, p NewProvider) (*Provider, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, slug, display_name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, xid.New().String(), p.Slug, p.DisplayName, nullString(p.Description), now, now)
	if err != nil {
		return nil, errors.Wrap(err, "upsert provider")
	}
	return s.getProvider(ctx, p.Slug)
}

func (s *Store) getProvider(ctx context.Context, slug string) (*Provider, error) {
	var p Provider
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, display_name, description, created_at, updated_at
		FROM providers
		WHERE slug = ?
	`, slug).Scan(&p.ID, &p.Slug, &p.DisplayName, &desc, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "query provider")
	}
	p.Description = desc.String
	return &p, nil
}

// ListProviders returns the provider catalog ordered by slug.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, display_name, description, created_at, updated_at
		FROM providers
		ORDER BY slug ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list providers")
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Slug, &p.DisplayName, &desc, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan provider")
		}
		p.Description = desc.String
		providers = append(providers, &p)
	}
	return providers, errors.Wrap(rows.Err(), "iterate providers")
}

// StoreProviderKey encrypts and persists a named secret for the provider.
// Writing the same (provider, name) replaces the ciphertext atomically.
// The plaintext is never persisted.
func (s *Store) StoreProviderKey(ctx context.Context, slug, name string, plaintext []byte) error {
	p, err := s.getProvider(ctx, slug)
	if err != nil {
		return err
	}
	nonce, ciphertext, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return errors.Wrap(err, "encrypt provider key")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_keys (provider_id, name, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, name) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at
	`, p.ID, name, nonce, ciphertext, time.Now().UTC())
	return errors.Wrap(err, "store provider key")
}

// FetchProviderKey decrypts and returns the named provider secret, or nil
// when no such key is stored.
func (s *Store) FetchProviderKey(ctx context.Context, slug, name string) ([]byte, error) {
	p, err := s.getProvider(ctx, slug)
	if err != nil {
		return nil, err
	}
	var nonce, ciphertext []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT nonce, ciphertext
		FROM provider_keys
		WHERE provider_id = ? AND name = ?
	`, p.ID, name).Scan(&nonce, &ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "query provider key")
	}
	plaintext, err := s.enc.Decrypt(nonce, ciphertext)
	return plaintext, errors.Wrap(err, "decrypt provider key")
}
