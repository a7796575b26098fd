package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/balance-ledger/internal/errors"
	"github.com/balance-ledger/internal/types"
	"github.com/redis/go-redis/v9"
)

// CacheService is the short-TTL balance view cache. It only changes the
// cost of balance reads: the engine invalidates entries on every
// snapshot write or delete, and the TTL bounds staleness between a
// ledger append and the next read.
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// balanceKey builds the cache key for a subject balance.
// Format: balance:<subjectId>
func balanceKey(subject types.SubjectID) string {
	return fmt.Sprintf("balance:%d", int64(subject))
}

// GetBalance returns a cached balance and whether it was present.
func (c *CacheService) GetBalance(ctx context.Context, subject types.SubjectID) (int64, bool, error) {
	data, err := c.redis.Get(ctx, balanceKey(subject))
	if err != nil {
		// A miss is not an error.
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, apperrors.NewCacheError("get balance", err)
	}

	amount, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, false, apperrors.NewCacheError("decode balance", err)
	}

	return amount, true, nil
}

// SetBalance caches a computed balance with the configured TTL.
func (c *CacheService) SetBalance(ctx context.Context, subject types.SubjectID, amount int64) error {
	if err := c.redis.Set(ctx, balanceKey(subject), strconv.FormatInt(amount, 10), c.ttl); err != nil {
		return apperrors.NewCacheError("set balance", err)
	}
	return nil
}

// InvalidateSubjects removes the cached balances for the given subjects.
func (c *CacheService) InvalidateSubjects(ctx context.Context, subjects []types.SubjectID) error {
	if len(subjects) == 0 {
		return nil
	}
	keys := make([]string, len(subjects))
	for i, subject := range subjects {
		keys[i] = balanceKey(subject)
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate balances", err)
	}
	return nil
}

// InvalidateAll removes every cached balance.
func (c *CacheService) InvalidateAll(ctx context.Context) error {
	keys, err := c.redis.Keys(ctx, "balance:*")
	if err != nil {
		return apperrors.NewCacheError("list balance keys", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...); err != nil {
		return apperrors.NewCacheError("invalidate balances", err)
	}
	return nil
}

// TTL returns the configured TTL for this cache service.
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}
