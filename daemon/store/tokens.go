package store

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
)

const tokenLen = 48

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// APIToken is an opaque bearer credential issued to a user.
type APIToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
}

// IssueToken mints a random 48-character alphanumeric token for the user.
// An empty scope defaults to "default".
func (s *Store) IssueToken(ctx context.Context, userID, scope string) (*APIToken, error) {
	if scope == "" {
		scope = "default"
	}
	value, err := randomToken(tokenLen)
	if err != nil {
		return nil, err
	}
	tok := &APIToken{
		ID:        xid.New().String(),
		UserID:    userID,
		Token:     value,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_id, token, scope, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tok.ID, tok.UserID, tok.Token, tok.Scope, tok.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert token")
	}
	return tok, nil
}

// ListTokens returns issued tokens, optionally filtered by user.
func (s *Store) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	query := `
		SELECT id, user_id, token, scope, created_at
		FROM api_tokens
		ORDER BY created_at DESC
	`
	var args []any
	if userID != "" {
		query = `
			SELECT id, user_id, token, scope, created_at
			FROM api_tokens
			WHERE user_id = ?
			ORDER BY created_at DESC
		`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tokens")
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		var tok APIToken
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.Token, &tok.Scope, &tok.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan token")
		}
		tokens = append(tokens, &tok)
	}
	return tokens, errors.Wrap(rows.Err(), "iterate tokens")
}

func randomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
