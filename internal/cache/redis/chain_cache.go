package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ChainCache implements domain.ChainCache with JSON strings under
// chain:{id}. Chains are immutable, so entries only expire to bound memory.
type ChainCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewChainCache creates a ChainCache backed by the given Client.
func NewChainCache(c *Client, ttl time.Duration) *ChainCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ChainCache{rdb: c.Underlying(), ttl: ttl}
}

func chainKey(id string) string { return "chain:" + id }

// Set stores a chain.
func (cc *ChainCache) Set(ctx context.Context, c domain.Chain) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal chain %s: %w", c.ChainID, err)
	}
	if err := cc.rdb.Set(ctx, chainKey(c.ChainID), data, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set chain %s: %w", c.ChainID, err)
	}
	return nil
}

// Get returns a cached chain or domain.ErrNotFound.
func (cc *ChainCache) Get(ctx context.Context, chainID string) (domain.Chain, error) {
	data, err := cc.rdb.Get(ctx, chainKey(chainID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Chain{}, domain.ErrNotFound
		}
		return domain.Chain{}, fmt.Errorf("redis: get chain %s: %w", chainID, err)
	}
	var c domain.Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Chain{}, fmt.Errorf("redis: unmarshal chain %s: %w", chainID, err)
	}
	return c, nil
}

// Invalidate removes a chain from the cache.
func (cc *ChainCache) Invalidate(ctx context.Context, chainID string) error {
	if err := cc.rdb.Del(ctx, chainKey(chainID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate chain %s: %w", chainID, err)
	}
	return nil
}

var _ domain.ChainCache = (*ChainCache)(nil)
