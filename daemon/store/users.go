package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
)

// User is a router identity created through the admin surface.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnsureUser inserts a user keyed by email if absent and returns the row
// either way. It is idempotent.
func (s *Store) EnsureUser(ctx context.Context, email, displayName string) (*User, error) {
	var u User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at
		FROM users
		WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &name, &u.CreatedAt)
	if err == nil {
		u.DisplayName = name.String
		return &u, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "query user")
	}

	u = User{
		ID:          xid.New().String(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, created_at)
		VALUES (?, ?, ?, ?)
	`, u.ID, u.Email, nullString(u.DisplayName), u.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert user")
	}
	return &u, nil
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, display_name, created_at
		FROM users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var name sql.NullString
		if err := rows.Scan(&u.ID, &u.Email, &name, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		u.DisplayName = name.String
		users = append(users, &u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
