package replay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore layers a Redis cache in front of a durable store. The
// cache only ever accelerates positive answers: a hit short-circuits to
// Used, a miss (or any Redis failure) falls through to the durable
// store. It is never authoritative negative evidence.
type CachedStore struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner with a Redis positive-answer cache.
func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{inner: inner, client: client, ttl: ttl, logger: logger}
}

func cacheKey(payer, nonce string) string {
	return "x402:nonce:" + Key(payer, nonce)
}

func (s *CachedStore) Lookup(ctx context.Context, payer, nonce string) Answer {
	_, err := s.client.Get(ctx, cacheKey(payer, nonce)).Result()
	if err == nil {
		return Used
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("nonce cache read failed", "err", err)
	}
	return s.inner.Lookup(ctx, payer, nonce)
}

func (s *CachedStore) MarkUsed(ctx context.Context, payer, nonce, tokenAddress, txID string) error {
	if err := s.inner.MarkUsed(ctx, payer, nonce, tokenAddress, txID); err != nil {
		return err
	}
	// Cache population is best-effort; the durable store already holds
	// the truth.
	if err := s.client.Set(ctx, cacheKey(payer, nonce), txID, s.ttl).Err(); err != nil {
		s.logger.Warn("nonce cache write failed", "err", err)
	}
	return nil
}

func (s *CachedStore) Durable() bool { return s.inner.Durable() }

func (s *CachedStore) Close() error {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("nonce cache close failed", "err", err)
	}
	return s.inner.Close()
}
