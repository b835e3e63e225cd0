package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"mcpr.dev/daemon/secret"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	enc, err := secret.NewEncryptor(key)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "router.db"), enc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureUserIdempotent(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	u1, err := s.EnsureUser(ctx, "jo@example.com", "Jo")
	c.Assert(err, qt.IsNil)
	c.Assert(u1.ID, qt.Not(qt.Equals), "")

	u2, err := s.EnsureUser(ctx, "jo@example.com", "Someone Else")
	c.Assert(err, qt.IsNil)
	c.Assert(u2.ID, qt.Equals, u1.ID)
	c.Assert(u2.DisplayName, qt.Equals, "Jo")

	users, err := s.ListUsers(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(users, qt.HasLen, 1)
}

func TestTierPresets(t *testing.T) {
	c := qt.New(t)

	c.Assert(TierBasic.Preset(), qt.Equals, Quota{MaxTokens: 100_000, MaxRequests: 1_000, MaxConcurrent: 1})
	c.Assert(TierPro.Preset(), qt.Equals, Quota{MaxTokens: 1_000_000, MaxRequests: 10_000, MaxConcurrent: 3})
	c.Assert(TierEnterprise.Preset(), qt.Equals, Quota{MaxTokens: 10_000_000, MaxRequests: 100_000, MaxConcurrent: 10})
	// Unknown tiers degrade to the basic preset.
	c.Assert(Tier("gold").Preset(), qt.Equals, TierBasic.Preset())
}

func TestUpsertSubscriptionPreservesCounters(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	sub, err := s.UpsertSubscription(ctx, "u1", TierBasic, nil, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(sub.Quota, qt.Equals, TierBasic.Preset())
	c.Assert(sub.TokensUsed, qt.Equals, int64(0))

	c.Assert(s.RecordUsage(ctx, "u1", 250, "openai"), qt.IsNil)

	// Upgrading the tier changes the bounds but keeps the counters.
	sub, err = s.UpsertSubscription(ctx, "u1", TierPro, nil, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(sub.Quota, qt.Equals, TierPro.Preset())
	c.Assert(sub.TokensUsed, qt.Equals, int64(250))
	c.Assert(sub.RequestsUsed, qt.Equals, int64(1))
}

func TestUpsertSubscriptionCustomQuota(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	custom := Quota{MaxTokens: 42, MaxRequests: 7, MaxConcurrent: 2}
	sub, err := s.UpsertSubscription(ctx, "u1", TierEnterprise, nil, &custom)
	c.Assert(err, qt.IsNil)
	c.Assert(sub.Quota, qt.Equals, custom)
}

func TestGetSubscriptionMissing(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(t)

	_, err := s.GetSubscription(context.Background(), "nobody")
	c.Assert(err, qt.ErrorIs, ErrNoSubscription)
}

func TestRecordUsageInvalidatesCache(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.UpsertSubscription(ctx, "u1", TierBasic, nil, nil)
	c.Assert(err, qt.IsNil)

	// Warm the cache, then mutate.
	sub, err := s.GetSubscription(ctx, "u1")
	c.Assert(err, qt.IsNil)
	c.Assert(sub.TokensUsed, qt.Equals, int64(0))

	c.Assert(s.RecordUsage(ctx, "u1", 100, "openai"), qt.IsNil)
	c.Assert(s.RecordUsage(ctx, "u1", 50, "anthropic"), qt.IsNil)

	sub, err = s.GetSubscription(ctx, "u1")
	c.Assert(err, qt.IsNil)
	c.Assert(sub.TokensUsed, qt.Equals, int64(150))
	c.Assert(sub.RequestsUsed, qt.Equals, int64(2))

	counters, err := s.ListUsage(ctx, "u1")
	c.Assert(err, qt.IsNil)
	c.Assert(counters, qt.HasLen, 2)
	// Newest first.
	c.Assert(counters[0].ProviderSlug, qt.Equals, "anthropic")
	c.Assert(counters[0].Tokens, qt.Equals, int64(50))
}

func TestCheckQuotaPrecedence(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	// Expiry wins even when the counters are also exhausted.
	sub := &Subscription{
		Quota:        Quota{MaxTokens: 100, MaxRequests: 10},
		ExpiresAt:    &past,
		TokensUsed:   100,
		RequestsUsed: 10,
	}
	c.Assert(sub.CheckQuota(now, 1), qt.ErrorIs, ErrSubscriptionExpired)

	// Requests next.
	sub.ExpiresAt = nil
	c.Assert(sub.CheckQuota(now, 1), qt.ErrorIs, ErrRequestsExceeded)

	// Then tokens; the estimate counts against the bound.
	sub.RequestsUsed = 0
	sub.TokensUsed = 95
	c.Assert(sub.CheckQuota(now, 6), qt.ErrorIs, ErrTokensExceeded)
	c.Assert(sub.CheckQuota(now, 5), qt.IsNil)
}

func TestProviderKeyEncryptedAtRest(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.PutProvider(ctx, NewProvider{Slug: "openai", DisplayName: "OpenAI"})
	c.Assert(err, qt.IsNil)

	plaintext := []byte("sk-test-abcdef123456")
	c.Assert(s.StoreProviderKey(ctx, "openai", "api_key", plaintext), qt.IsNil)

	got, err := s.FetchProviderKey(ctx, "openai", "api_key")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, plaintext)

	// The stored row must not contain the plaintext.
	var ciphertext []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT pk.ciphertext FROM provider_keys pk
		JOIN providers p ON p.id = pk.provider_id
		WHERE p.slug = ? AND pk.name = ?
	`, "openai", "api_key").Scan(&ciphertext)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Contains(ciphertext, plaintext), qt.IsFalse)

	// Rotation replaces the ciphertext in place.
	c.Assert(s.StoreProviderKey(ctx, "openai", "api_key", []byte("sk-rotated")), qt.IsNil)
	got, err = s.FetchProviderKey(ctx, "openai", "api_key")
	c.Assert(err, qt.IsNil)
	c.Assert(string(got), qt.Equals, "sk-rotated")
}

func TestFetchProviderKeyAbsent(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.PutProvider(ctx, NewProvider{Slug: "openai", DisplayName: "OpenAI"})
	c.Assert(err, qt.IsNil)

	got, err := s.FetchProviderKey(ctx, "openai", "missing")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.IsNil)

	_, err = s.FetchProviderKey(ctx, "no-such-provider", "api_key")
	c.Assert(err, qt.ErrorIs, ErrProviderNotFound)
}

func TestIssueToken(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	tok, err := s.IssueToken(ctx, "u1", "")
	c.Assert(err, qt.IsNil)
	c.Assert(tok.Token, qt.HasLen, 48)
	c.Assert(tok.Token, qt.Matches, `[A-Za-z0-9]{48}`)
	c.Assert(tok.Scope, qt.Equals, "default")

	other, err := s.IssueToken(ctx, "u2", "admin")
	c.Assert(err, qt.IsNil)
	c.Assert(other.Token, qt.Not(qt.Equals), tok.Token)
	c.Assert(other.Scope, qt.Equals, "admin")

	mine, err := s.ListTokens(ctx, "u1")
	c.Assert(err, qt.IsNil)
	c.Assert(mine, qt.HasLen, 1)
	all, err := s.ListTokens(ctx, "")
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.HasLen, 2)
}

func TestUpstreamRoundTrip(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := openTestStore(t)

	c.Assert(s.UpsertUpstream(ctx, UpstreamRecord{
		Name: "files", Kind: "stdio", Command: "mcp-files", Args: []string{"--root", "/srv"},
	}), qt.IsNil)
	c.Assert(s.UpsertUpstream(ctx, UpstreamRecord{
		Name: "search", Kind: "http", URL: "http://127.0.0.1:9000/mcp", Bearer: "tok", ProviderSlug: "openai",
	}), qt.IsNil)

	records, err := s.ListUpstreams(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 2)
	c.Assert(records[0].Name, qt.Equals, "files")
	c.Assert(records[0].Args, qt.DeepEquals, []string{"--root", "/srv"})
	c.Assert(records[1].Args, qt.DeepEquals, []string{})
	c.Assert(records[1].Bearer, qt.Equals, "tok")

	// Replace by name.
	c.Assert(s.UpsertUpstream(ctx, UpstreamRecord{
		Name: "files", Kind: "stdio", Command: "mcp-files-v2",
	}), qt.IsNil)
	records, err = s.ListUpstreams(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(records, qt.HasLen, 2)
	c.Assert(records[0].Command, qt.Equals, "mcp-files-v2")
}
