// Package store persists users, subscriptions, providers, provider keys,
// upstream records and usage counters in an embedded sqlite database.
//
// The store owns the provider-secret encryptor and a write-through cache
// of subscription records: every write that mutates a subscription row
// invalidates the cached record for that user.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/bluele/gcache"
	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // for "sqlite3" driver

	"mcpr.dev/daemon/secret"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const subscriptionCacheSize = 4096

// Store is the durable subscription store.
type Store struct {
	db    *sql.DB
	enc   *secret.Encryptor
	cache gcache.Cache
}

// Open opens (creating if necessary) the sqlite database at path and
// applies any pending schema migrations.
func Open(path string, enc *secret.Encryptor) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	s := New(db, enc)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller is responsible for
// running Migrate before use.
func New(db *sql.DB, enc *secret.Encryptor) *Store {
	return &Store{
		db:    db,
		enc:   enc,
		cache: gcache.New(subscriptionCacheSize).LRU().Build(),
	}
}

// Migrate applies pending schema migrations. A database with no tables is
// the expected first-launch state, not an error.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "prepare migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "prepare migrations")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
