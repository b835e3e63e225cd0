package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/bluele/gcache"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// Tier is a subscription tier with a default quota preset.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Quota is the admission-control triple for a subscription.
type Quota struct {
	MaxTokens     int64 `json:"max_tokens"`
	MaxRequests   int64 `json:"max_requests"`
	MaxConcurrent int64 `json:"max_concurrent"`
}

// Preset returns the default quota for the tier. Unknown tiers fall back
// to the basic preset.
func (t Tier) Preset() Quota {
	switch t {
	case TierPro:
		return Quota{MaxTokens: 1_000_000, MaxRequests: 10_000, MaxConcurrent: 3}
	case TierEnterprise:
		return Quota{MaxTokens: 10_000_000, MaxRequests: 100_000, MaxConcurrent: 10}
	default:
		return Quota{MaxTokens: 100_000, MaxRequests: 1_000, MaxConcurrent: 1}
	}
}

// TierPresets maps each tier to its default quota, as reported by the
// initialize method.
func TierPresets() map[Tier]Quota {
	return map[Tier]Quota{
		TierBasic:      TierBasic.Preset(),
		TierPro:        TierPro.Preset(),
		TierEnterprise: TierEnterprise.Preset(),
	}
}

// Subscription gate failures, in precedence order.
var (
	ErrNoSubscription      = errors.New("no subscription")
	ErrSubscriptionExpired = errors.New("subscription expired")
	ErrRequestsExceeded    = errors.New("request quota exceeded")
	ErrTokensExceeded      = errors.New("token quota exceeded")
)

// Subscription is a user's durable subscription record. Counters are
// monotonically non-decreasing within a billing period.
type Subscription struct {
	UserID    string     `json:"user_id"`
	Tier      Tier       `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Quota
	TokensUsed   int64     `json:"tokens_used"`
	RequestsUsed int64     `json:"requests_used"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CheckQuota reports the first violated admission condition, if any.
// Expiry takes precedence over the request counter, which takes
// precedence over the token counter.
func (s *Subscription) CheckQuota(now time.Time, estimatedTokens int64) error {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return ErrSubscriptionExpired
	}
	if s.RequestsUsed >= s.MaxRequests {
		return ErrRequestsExceeded
	}
	if s.TokensUsed+estimatedTokens > s.MaxTokens {
		return ErrTokensExceeded
	}
	return nil
}

// UpsertSubscription creates or updates the user's subscription. A nil
// quota selects the tier preset. On update the quota bounds change but
// the usage counters are preserved.
func (s *Store) UpsertSubscription(ctx context.Context, userID string, tier Tier, expiresAt *time.Time, quota *Quota) (*Subscription, error) {
	q := tier.Preset()
	if quota != nil {
		q = *quota
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			expires_at = excluded.expires_at,
			max_tokens = excluded.max_tokens,
			max_requests = excluded.max_requests,
			max_concurrent = excluded.max_concurrent,
			tokens_used = COALESCE(subscriptions.tokens_used, 0),
			requests_used = COALESCE(subscriptions.requests_used, 0),
			updated_at = excluded.updated_at
	`, userID, tier, expiresAt, q.MaxTokens, q.MaxRequests, q.MaxConcurrent, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "upsert subscription")
	}
	s.cache.Remove(userID)
	return s.loadSubscription(ctx, userID)
}

// GetSubscription returns the user's subscription, reading through the
// cache. A missing row reports ErrNoSubscription.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	if cached, err := s.cache.Get(userID); err == nil {
		return cached.(*Subscription), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		log.Warn().Err(err).Str("user", userID).Msg("subscription cache read failed")
	}
	return s.loadSubscription(ctx, userID)
}

func (s *Store) loadSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used, created_at, updated_at
		FROM subscriptions
		WHERE user_id = ?
	`, userID).Scan(&sub.UserID, &sub.Tier, &expires, &sub.MaxTokens, &sub.MaxRequests, &sub.MaxConcurrent,
		&sub.TokensUsed, &sub.RequestsUsed, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	} else if err != nil {
		return nil, errors.Wrap(err, "query subscription")
	}
	if expires.Valid {
		t := expires.Time.UTC()
		sub.ExpiresAt = &t
	}
	if err := s.cache.Set(userID, &sub); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("subscription cache write failed")
	}
	return &sub, nil
}

// ListSubscriptions returns every subscription row.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tier, expires_at, max_tokens, max_requests, max_concurrent, tokens_used, requests_used, created_at, updated_at
		FROM subscriptions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list subscriptions")
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		var expires sql.NullTime
		if err := rows.Scan(&sub.UserID, &sub.Tier, &expires, &sub.MaxTokens, &sub.MaxRequests, &sub.MaxConcurrent,
			&sub.TokensUsed, &sub.RequestsUsed, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan subscription")
		}
		if expires.Valid {
			t := expires.Time.UTC()
			sub.ExpiresAt = &t
		}
		subs = append(subs, &sub)
	}
	return subs, errors.Wrap(rows.Err(), "iterate subscriptions")
}

// RecordUsage atomically bumps the user's usage counters and appends a
// usage counter row for the provider.
func (s *Store) RecordUsage(ctx context.Context, userID string, tokens int64, providerSlug string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "record usage")
	}
	defer tx.Rollback() // committed explicitly on success

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET tokens_used = tokens_used + ?, requests_used = requests_used + 1, updated_at = ?
		WHERE user_id = ?
	`, tokens, now, userID)
	if err != nil {
		return errors.Wrap(err, "update counters")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_counters (provider_slug, user_id, tokens, created_at)
		VALUES (?, ?, ?, ?)
	`, providerSlug, userID, tokens, now)
	if err != nil {
		return errors.Wrap(err, "insert usage counter")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "record usage")
	}
	s.cache.Remove(userID)
	return nil
}

// UsageCounter is one recorded forwarded call.
type UsageCounter struct {
	ID           int64     `json:"id"`
	ProviderSlug string    `json:"provider_slug"`
	UserID       string    `json:"user_id"`
	Tokens       int64     `json:"tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListUsage returns usage counters for a user, newest first.
func (s *Store) ListUsage(ctx context.Context, userID string) ([]*UsageCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_slug, user_id, tokens, created_at
		FROM usage_counters
		WHERE user_id = ?
		ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list usage")
	}
	defer rows.Close()

	var counters []*UsageCounter
	for rows.Next() {
		var c UsageCounter
		if err := rows.Scan(&c.ID, &c.ProviderSlug, &c.UserID, &c.Tokens, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan usage counter")
		}
		counters = append(counters, &c)
	}
	return counters, errors.Wrap(rows.Err(), "iterate usage counters")
}
